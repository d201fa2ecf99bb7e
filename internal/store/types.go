// Package store keeps a history of attestation chains in SQLite and reads
// and writes chain files.
package store

import "time"

// Chain is a stored attestation chain.
type Chain struct {
	ID            int64
	CreatedAt     time.Time
	Provider      string
	Generation    uint64
	SecurityLevel string
	Challenge     []byte
	Hash          [32]byte // SHA-256 over the length-prefixed certificates
	Note          string
	Certificates  [][]byte // DER, leaf first
}

// Summary is a chain without its certificates, as listed by History.
type Summary struct {
	ID            int64
	CreatedAt     time.Time
	Provider      string
	Generation    uint64
	SecurityLevel string
	Certificates  int
	Note          string
}
