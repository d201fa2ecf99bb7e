// Package keystore generates attestation keys and returns their
// certificate chains, either in-process or through the privileged helper.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keyattest/internal/capability"
	"keyattest/internal/config"
)

// DefaultRKPHost is probed when no host is given.
const DefaultRKPHost = config.DefaultRKPHost

// Request is an immutable snapshot of what to generate. Options the
// selected provider cannot honour have already been cleared.
type Request struct {
	UseSAK          bool
	UseStrongBox    bool
	UseAttestKey    bool
	IncludeProps    bool
	IncludeSerial   bool
	IncludeIMEI     bool
	IncludeMEID     bool
	IncludeUniqueID bool
	Challenge       []byte
	Generation      uint64
	Reset           bool
}

// Chain is a DER certificate chain, leaf first.
type Chain [][]byte

// RKPStatus is the outcome of a remote key provisioning probe.
type RKPStatus struct {
	Host      string        `json:"host"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
}

// Provider generates attestation keys.
type Provider interface {
	capability.Source

	// Name identifies the provider in logs and reports.
	Name() string

	// GenerateAndAttest creates a key per req and returns its chain.
	GenerateAndAttest(ctx context.Context, req Request) (Chain, error)

	// CheckRKP probes the remote provisioning host. Empty host means default.
	CheckRKP(ctx context.Context, host string) (RKPStatus, error)
}

// Kind classifies provider failures.
type Kind int

const (
	KindUnknown Kind = iota
	ProviderUnsupported
	DelegateUnavailable
	DelegateDenied
	TransportDisconnected
	KeyGenerationFailed
)

func (k Kind) String() string {
	switch k {
	case ProviderUnsupported:
		return "ProviderUnsupported"
	case DelegateUnavailable:
		return "DelegateUnavailable"
	case DelegateDenied:
		return "DelegateDenied"
	case TransportDisconnected:
		return "TransportDisconnected"
	case KeyGenerationFailed:
		return "KeyGenerationFailed"
	}
	return "Unknown"
}

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("keystore: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("keystore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindUnknown
}

// generationFailed marks err as a failure inside the keystore itself. An
// already classified error keeps its kind.
func generationFailed(op string, err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return &Error{Kind: KeyGenerationFailed, Op: op, Err: err}
}

func unsupported(op, feature string) error {
	return &Error{Kind: ProviderUnsupported, Op: op, Err: fmt.Errorf("%s not available", feature)}
}

// Select returns the delegate when it is preferred and reachable, and the
// local provider otherwise.
func Select(preferDelegate bool, flags capability.Flags, local, delegate Provider) Provider {
	if delegate != nil && capability.DelegateSelected(preferDelegate, flags) {
		return delegate
	}
	return local
}

// checkRequest fails with ProviderUnsupported when req asks for a feature
// the provider lacks.
func checkRequest(op string, f capability.Features, req Request) error {
	switch {
	case req.UseSAK && !f.SAK:
		return unsupported(op, "secure element attestation key")
	case req.UseStrongBox && !f.StrongBox:
		return unsupported(op, "StrongBox")
	case req.UseAttestKey && !f.AttestKey:
		return unsupported(op, "attest key")
	case (req.IncludeProps || req.IncludeSerial) && !f.DeviceIDs:
		return unsupported(op, "device ID attestation")
	case req.IncludeIMEI && !(f.DeviceIDs && f.IMEI):
		return unsupported(op, "IMEI attestation")
	case req.IncludeMEID && !(f.DeviceIDs && f.MEID):
		return unsupported(op, "MEID attestation")
	case req.IncludeUniqueID && !f.UniqueID:
		return unsupported(op, "unique ID")
	}
	return nil
}
