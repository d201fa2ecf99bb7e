package keystore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keyattest/internal/capability"
	"keyattest/internal/ipc"
)

// DelegateClient is the helper channel a DelegateProvider drives.
// *ipc.Client implements it.
type DelegateClient interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Capabilities(ctx context.Context) (capability.Features, error)
	Attest(ctx context.Context, req *ipc.AttestRequest) ([][]byte, error)
	CheckRKP(ctx context.Context, host string) (*ipc.CheckRKPResponse, error)
}

// DelegateProvider forwards requests to the privileged helper.
type DelegateProvider struct {
	client       DelegateClient
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewDelegateProvider wraps client. It does not bind; call Bind.
func NewDelegateProvider(client DelegateClient, logger *slog.Logger) *DelegateProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DelegateProvider{
		client:       client,
		probeTimeout: 5 * time.Second,
		logger:       logger.With("provider", "delegate"),
	}
}

// Name implements Provider.
func (d *DelegateProvider) Name() string { return "delegate" }

// Bind connects to the helper.
func (d *DelegateProvider) Bind(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		d.logger.Info("helper not bound", "error", err)
		return d.classify("bind", err)
	}
	d.logger.Debug("helper bound")
	return nil
}

// Unbind disconnects from the helper.
func (d *DelegateProvider) Unbind() error {
	return d.client.Close()
}

// Available reports whether the helper is currently bound.
func (d *DelegateProvider) Available() bool {
	return d.client.IsConnected()
}

// Features implements capability.Source. An unbound helper is an error,
// which the prober reads as "delegate absent".
func (d *DelegateProvider) Features() (capability.Features, error) {
	if !d.client.IsConnected() {
		return capability.Features{}, &Error{Kind: DelegateUnavailable, Op: "features"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout)
	defer cancel()
	f, err := d.client.Capabilities(ctx)
	if err != nil {
		return capability.Features{}, d.classify("features", err)
	}
	return f, nil
}

// GenerateAndAttest implements Provider.
func (d *DelegateProvider) GenerateAndAttest(ctx context.Context, req Request) (Chain, error) {
	const op = "generate"
	if !d.client.IsConnected() {
		return nil, &Error{Kind: DelegateUnavailable, Op: op, Err: ipc.ErrNotConnected}
	}
	chain, err := d.client.Attest(ctx, &ipc.AttestRequest{
		UseSAK:          req.UseSAK,
		UseStrongBox:    req.UseStrongBox,
		UseAttestKey:    req.UseAttestKey,
		IncludeProps:    req.IncludeProps,
		IncludeSerial:   req.IncludeSerial,
		IncludeIMEI:     req.IncludeIMEI,
		IncludeMEID:     req.IncludeMEID,
		IncludeUniqueID: req.IncludeUniqueID,
		Challenge:       req.Challenge,
		Generation:      req.Generation,
		Reset:           req.Reset,
	})
	if err != nil {
		return nil, d.classify(op, err)
	}
	return chain, nil
}

// CheckRKP implements Provider.
func (d *DelegateProvider) CheckRKP(ctx context.Context, host string) (RKPStatus, error) {
	const op = "check rkp"
	if !d.client.IsConnected() {
		return RKPStatus{}, &Error{Kind: DelegateUnavailable, Op: op, Err: ipc.ErrNotConnected}
	}
	resp, err := d.client.CheckRKP(ctx, host)
	if err != nil {
		return RKPStatus{}, d.classify(op, err)
	}
	return RKPStatus{
		Host:      resp.Host,
		Reachable: resp.Reachable,
		Latency:   resp.Latency,
		Detail:    resp.Detail,
	}, nil
}

// classify maps transport errors onto provider error kinds. Context
// errors pass through so callers can tell cancellation apart.
func (d *DelegateProvider) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var remote *ipc.RemoteError
	kind := TransportDisconnected
	if op == "bind" {
		kind = DelegateUnavailable
	}
	switch {
	case errors.Is(err, ipc.ErrPermissionDenied):
		kind = DelegateDenied
	case errors.As(err, &remote) && remote.Code == ipc.CodeUnsupported:
		kind = ProviderUnsupported
	case errors.Is(err, ipc.ErrNotConnected), errors.Is(err, ipc.ErrDaemonNotRunning):
		kind = DelegateUnavailable
	case errors.Is(err, ipc.ErrConnectionLost):
		kind = TransportDisconnected
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
