// Package session drives attestation requests for the presentation layer.
//
// A Controller owns the user's options and the selected key provider. Each
// Reload is stamped with a generation number; completions from superseded
// generations are dropped, so the published result always belongs to the
// most recent request.
package session

import (
	"fmt"
	"time"

	"keyattest/internal/attestation"
	"keyattest/internal/keystore"
)

// FailureKind classifies a failed request.
type FailureKind int

const (
	ProviderUnsupported FailureKind = iota + 1
	DelegateUnavailable
	DelegateDenied
	TransportDisconnected
	DecodeFailed
	EmptyChain
	KeyGenerationFailed
)

var failureNames = map[FailureKind]string{
	ProviderUnsupported:   "ProviderUnsupported",
	DelegateUnavailable:   "DelegateUnavailable",
	DelegateDenied:        "DelegateDenied",
	TransportDisconnected: "TransportDisconnected",
	DecodeFailed:          "DecodeFailed",
	EmptyChain:            "EmptyChain",
	KeyGenerationFailed:   "KeyGenerationFailed",
}

func (k FailureKind) String() string {
	if s, ok := failureNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Result is one of *Loading, *Success or *Failure.
type Result interface {
	// Gen is the generation that produced the result.
	Gen() uint64
	sealed()
}

// Loading is published when a request starts.
type Loading struct {
	Generation uint64
	Provider   string
	StartedAt  time.Time
}

// Success carries a decoded chain.
type Success struct {
	Generation uint64
	Provider   string
	Request    keystore.Request
	Chain      keystore.Chain
	Decoded    *attestation.Decoded
	Elapsed    time.Duration
}

// Failure carries the reason a request produced no chain.
type Failure struct {
	Generation uint64
	Provider   string
	Kind       FailureKind
	Detail     string
	Err        error
}

func (r *Loading) Gen() uint64 { return r.Generation }
func (r *Success) Gen() uint64 { return r.Generation }
func (r *Failure) Gen() uint64 { return r.Generation }

func (*Loading) sealed() {}
func (*Success) sealed() {}
func (*Failure) sealed() {}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }
