package keystore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidKeybox is returned for keybox files that cannot be installed.
var ErrInvalidKeybox = errors.New("keystore: invalid keybox")

// maxKeyboxSize bounds the XML read from disk.
const maxKeyboxSize = 1 << 20

// Keybox is an imported attestation key and the chain certifying it.
type Keybox struct {
	DeviceID  string
	Algorithm string
	Signer    crypto.Signer
	Chain     [][]byte // DER, attestation key certificate first
}

type keyboxXML struct {
	XMLName  xml.Name `xml:"AndroidAttestation"`
	Keyboxes []struct {
		DeviceID string `xml:"DeviceID,attr"`
		Keys     []struct {
			Algorithm  string `xml:"algorithm,attr"`
			PrivateKey struct {
				Format string `xml:"format,attr"`
				Value  string `xml:",chardata"`
			} `xml:"PrivateKey"`
			Certificates []struct {
				Format string `xml:"format,attr"`
				Value  string `xml:",chardata"`
			} `xml:"CertificateChain>Certificate"`
		} `xml:"Key"`
	} `xml:"Keybox"`
}

// ParseKeybox reads an AndroidAttestation keybox and returns its EC key,
// falling back to the first key of another algorithm.
func ParseKeybox(r io.Reader) (*Keybox, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxKeyboxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read keybox: %w", err)
	}
	if len(data) > maxKeyboxSize {
		return nil, fmt.Errorf("%w: file too large", ErrInvalidKeybox)
	}

	var doc keyboxXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeybox, err)
	}
	if len(doc.Keyboxes) == 0 {
		return nil, fmt.Errorf("%w: no Keybox element", ErrInvalidKeybox)
	}

	box := doc.Keyboxes[0]
	if len(box.Keys) == 0 {
		return nil, fmt.Errorf("%w: keybox has no keys", ErrInvalidKeybox)
	}
	key := box.Keys[0]
	for _, k := range box.Keys {
		if strings.EqualFold(k.Algorithm, "ecdsa") || strings.EqualFold(k.Algorithm, "ec") {
			key = k
			break
		}
	}

	signer, err := parsePrivateKey([]byte(strings.TrimSpace(key.PrivateKey.Value)))
	if err != nil {
		return nil, err
	}

	kb := &Keybox{DeviceID: box.DeviceID, Algorithm: strings.ToLower(key.Algorithm), Signer: signer}
	for i, c := range key.Certificates {
		block, _ := pem.Decode([]byte(strings.TrimSpace(c.Value)))
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: certificate %d is not PEM", ErrInvalidKeybox, i)
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrInvalidKeybox, i, err)
		}
		kb.Chain = append(kb.Chain, block.Bytes)
	}
	if len(kb.Chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrInvalidKeybox)
	}

	first, _ := x509.ParseCertificate(kb.Chain[0])
	if !publicKeysEqual(first.PublicKey, signer.Public()) {
		return nil, fmt.Errorf("%w: private key does not match first certificate", ErrInvalidKeybox)
	}
	return kb, nil
}

// ParseKeyboxBytes is ParseKeybox over an in-memory document.
func ParseKeyboxBytes(data []byte) (*Keybox, error) {
	return ParseKeybox(bytes.NewReader(data))
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM", ErrInvalidKeybox)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unsupported key block %q", ErrInvalidKeybox, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeybox, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key cannot sign", ErrInvalidKeybox)
	}
	return signer, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *ecdsa.PublicKey:
		return ak.Equal(b)
	case *rsa.PublicKey:
		return ak.Equal(b)
	}
	return false
}
