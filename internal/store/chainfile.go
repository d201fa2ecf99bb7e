package store

import (
	"bytes"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"keyattest/internal/security"
)

// Format is a chain file encoding.
type Format int

const (
	FormatPEM Format = iota
	FormatDER
)

// ParseFormat accepts "pem" and "der".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "pem":
		return FormatPEM, nil
	case "der":
		return FormatDER, nil
	}
	return FormatPEM, fmt.Errorf("unknown chain format %q", s)
}

// ErrNoCertificates is returned for a chain file without certificates.
var ErrNoCertificates = errors.New("store: no certificates in chain file")

const maxChainFile = 1 << 20

// WriteChainFile writes certs, leaf first, as concatenated PEM blocks or
// concatenated DER.
func WriteChainFile(path string, certs [][]byte, format Format) error {
	if len(certs) == 0 {
		return ErrNoCertificates
	}
	var buf bytes.Buffer
	for _, der := range certs {
		if format == FormatDER {
			buf.Write(der)
			continue
		}
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return fmt.Errorf("encode certificate: %w", err)
		}
	}
	if err := security.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write chain file: %w", err)
	}
	return nil
}

// ReadChainFile reads a chain written by WriteChainFile or any other tool
// producing PEM or concatenated DER. Certificates are returned as opaque
// DER bytes in file order.
func ReadChainFile(path string) ([][]byte, error) {
	data, err := security.ReadLimited(path, maxChainFile)
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	return ParseChain(data)
}

// ParseChain splits PEM or concatenated DER data into certificates.
func ParseChain(data []byte) ([][]byte, error) {
	var certs [][]byte
	if bytes.Contains(data, []byte("-----BEGIN")) {
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				certs = append(certs, block.Bytes)
			}
		}
	} else {
		rest := data
		for len(bytes.TrimSpace(rest)) > 0 {
			var raw asn1.RawValue
			next, err := asn1.Unmarshal(rest, &raw)
			if err != nil {
				return nil, fmt.Errorf("parse DER certificate %d: %w", len(certs), err)
			}
			certs = append(certs, raw.FullBytes)
			rest = next
		}
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}
