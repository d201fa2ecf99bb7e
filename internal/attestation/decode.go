package attestation

import (
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

// StatusLookup resolves the revocation status of a certificate serial.
type StatusLookup interface {
	Lookup(serial *big.Int) (*Status, bool)
}

// Decoder turns raw certificate chains into inspectable records.
type Decoder struct {
	statuses StatusLookup
}

// NewDecoder creates a decoder. statuses may be nil.
func NewDecoder(statuses StatusLookup) *Decoder {
	return &Decoder{statuses: statuses}
}

// Decode decodes chain without revocation data.
func Decode(chain [][]byte) (*Decoded, error) {
	return NewDecoder(nil).Decode(chain)
}

// Decode parses every certificate, leaf first. Each record's signature is
// checked against the next certificate; the last one against itself.
func (d *Decoder) Decode(chain [][]byte) (*Decoded, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}

	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		if len(der) == 0 {
			return nil, fmt.Errorf("%w: certificate %d is empty", ErrMalformed, i)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrMalformed, i, err)
		}
		certs[i] = cert
	}

	out := &Decoded{Records: make([]Record, len(certs))}
	for i, cert := range certs {
		issuer := cert
		if i+1 < len(certs) {
			issuer = certs[i+1]
		}
		rec := Record{
			Index:              i,
			Subject:            cert.Subject.String(),
			Issuer:             cert.Issuer.String(),
			SerialNumber:       cert.SerialNumber,
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
			SignatureValid:     cert.CheckSignatureFrom(issuer) == nil,
		}

		desc, err := findKeyDescription(cert)
		switch {
		case err == nil:
			rec.Description = desc
		case errors.Is(err, ErrNoAttestation):
		default:
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}

		if d.statuses != nil {
			if st, ok := d.statuses.Lookup(cert.SerialNumber); ok {
				rec.Revocation = st
			}
		}
		out.Records[i] = rec
	}

	leaf := out.Records[0].Description
	if leaf == nil {
		return nil, ErrNoAttestation
	}
	out.RootOfTrust = leaf.RootOfTrust()
	return out, nil
}

func findKeyDescription(cert *x509.Certificate) (*KeyDescription, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDKeyDescription) {
			return ParseKeyDescription(ext.Value)
		}
	}
	return nil, ErrNoAttestation
}
