package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"keyattest/internal/attestation"
	"keyattest/internal/capability"
	"keyattest/internal/keystore"
	"keyattest/internal/options"
)

// Errors returned by Controller queries.
var (
	ErrNotReady       = errors.New("session: no result yet")
	ErrLastFailed     = errors.New("session: last request failed")
	ErrOutOfRange     = errors.New("session: record index out of range")
	ErrNotAllowed     = errors.New("session: option not available")
	ErrNoImporter     = errors.New("session: selected provider cannot import a keybox")
	ErrControllerDone = errors.New("session: controller closed")
)

// Decoder turns a chain into its inspectable form.
type Decoder interface {
	Decode(chain [][]byte) (*attestation.Decoded, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(chain [][]byte) (*attestation.Decoded, error)

func (f DecoderFunc) Decode(chain [][]byte) (*attestation.Decoded, error) { return f(chain) }

// KeyboxImporter is implemented by providers that accept an attestation key.
type KeyboxImporter interface {
	ImportKeybox(kb *keystore.Keybox) error
}

// Config wires a Controller.
type Config struct {
	Local    keystore.Provider
	Delegate keystore.Provider // nil when no helper is configured
	Decoder  Decoder           // defaults to attestation.Decode
	State    options.State

	// Challenge produces the attestation challenge; defaults to 16 random bytes.
	Challenge func() ([]byte, error)

	Logger *slog.Logger
}

// Controller is the attestation session. Mutations are serialized; each
// Reload runs on its own goroutine.
type Controller struct {
	mu     sync.Mutex
	state  options.State
	flags  capability.Flags
	cancel context.CancelFunc
	closed bool

	local     keystore.Provider
	delegate  keystore.Provider
	prober    *capability.Prober
	decoder   Decoder
	challenge func() ([]byte, error)

	gen    atomic.Uint64
	store  *Store
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a controller and probes capabilities once.
func New(cfg Config) (*Controller, error) {
	if cfg.Local == nil {
		return nil, errors.New("session: local provider required")
	}
	c := &Controller{
		state:     cfg.State,
		local:     cfg.Local,
		decoder:   cfg.Decoder,
		challenge: cfg.Challenge,
		store:     NewStore(),
		logger:    cfg.Logger,
	}
	var delegateSrc capability.Source
	if cfg.Delegate != nil {
		c.delegate = cfg.Delegate
		delegateSrc = cfg.Delegate
	}
	c.prober = capability.NewProber(cfg.Local, delegateSrc)
	if c.decoder == nil {
		c.decoder = DecoderFunc(attestation.Decode)
	}
	if c.challenge == nil {
		c.challenge = randomChallenge
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")

	c.Refresh()
	return c, nil
}

func randomChallenge() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Refresh re-probes the providers. It does not start a request.
func (c *Controller) Refresh() capability.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked()
}

func (c *Controller) refreshLocked() capability.Flags {
	c.flags = c.prober.Probe(capability.Selection{PreferDelegate: c.state.PreferDelegate})
	c.logger.Debug("capabilities probed",
		"delegate_available", c.flags.DelegateAvailable,
		"strongbox", c.flags.HasStrongBox,
		"attest_key", c.flags.HasAttestKey)
	return c.flags
}

// Flags returns the current capability flags.
func (c *Controller) Flags() capability.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// State returns a copy of the options.
func (c *Controller) State() options.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VisibleOptions lists the options that may be offered now.
func (c *Controller) VisibleOptions() []options.Option {
	c.mu.Lock()
	defer c.mu.Unlock()
	return options.VisibleOptions(c.flags, c.state)
}

// Set changes a toggle and reports whether it was accepted. Switching the
// provider re-probes capabilities but never starts a request.
func (c *Controller) Set(opt options.Option, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Set(opt, on, c.flags) {
		return false
	}
	if opt == options.PreferDelegate {
		c.refreshLocked()
	}
	return true
}

// SetIDType selects the attested device identifier.
func (c *Controller) SetIDType(t options.IDType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SetIDType(t, c.flags)
}

// Subscribe registers fn for every published snapshot. fn runs while the
// controller is locked: it may read Snapshot, VerifiedBootHash and
// HasCertificates but must not call the mutating methods.
func (c *Controller) Subscribe(fn func(*Snapshot)) func() {
	return c.store.Subscribe(fn)
}

// Snapshot returns the latest published snapshot, or nil before the first.
func (c *Controller) Snapshot() *Snapshot {
	return c.store.Load()
}

// Generation returns the generation of the most recent request.
func (c *Controller) Generation() uint64 {
	return c.gen.Load()
}

// provider resolves the provider for the current state.
func (c *Controller) providerLocked() keystore.Provider {
	return keystore.Select(c.state.PreferDelegate, c.flags, c.local, c.delegate)
}

// Reload starts a new request, superseding any in flight, and returns its
// generation. With reset the provider discards cached keys first.
func (c *Controller) Reload(reset bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen, ctx := c.nextLocked()
	if ctx == nil {
		return gen
	}

	provider := c.providerLocked()
	req := c.state.Request(c.flags)
	req.Generation = gen
	req.Reset = reset

	c.store.Publish(&Loading{Generation: gen, Provider: provider.Name(), StartedAt: time.Now()})
	c.logger.Debug("request started", "generation", gen, "provider", provider.Name(), "reset", reset)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.complete(gen, c.run(ctx, provider, req))
	}()
	return gen
}

// nextLocked bumps the generation and cancels the previous request. It
// returns a nil context once the controller is closed.
func (c *Controller) nextLocked() (uint64, context.Context) {
	gen := c.gen.Inc()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.closed {
		return gen, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return gen, ctx
}

func (c *Controller) run(ctx context.Context, p keystore.Provider, req keystore.Request) Result {
	start := time.Now()

	challenge, err := c.challenge()
	if err != nil {
		return &Failure{Generation: req.Generation, Provider: p.Name(), Kind: ProviderUnsupported,
			Detail: fmt.Sprintf("challenge: %v", err), Err: err}
	}
	req.Challenge = challenge

	chain, err := p.GenerateAndAttest(ctx, req)
	if err != nil {
		return failure(req.Generation, p.Name(), err)
	}
	res := c.decode(req.Generation, p.Name(), chain)
	if s, ok := res.(*Success); ok {
		s.Request = req
		s.Elapsed = time.Since(start)
	}
	return res
}

func (c *Controller) decode(gen uint64, provider string, chain keystore.Chain) Result {
	if len(chain) == 0 {
		return &Failure{Generation: gen, Provider: provider, Kind: EmptyChain, Detail: "provider returned no certificates"}
	}
	dec, err := c.decoder.Decode(chain)
	if err != nil {
		kind := DecodeFailed
		if errors.Is(err, attestation.ErrEmptyChain) {
			kind = EmptyChain
		}
		return &Failure{Generation: gen, Provider: provider, Kind: kind, Detail: err.Error(), Err: err}
	}
	return &Success{Generation: gen, Provider: provider, Chain: chain, Decoded: dec}
}

// failure maps a provider error onto a failure kind. Errors the provider
// did not classify are reported as unsupported with their message.
func failure(gen uint64, provider string, err error) *Failure {
	f := &Failure{Generation: gen, Provider: provider, Detail: err.Error(), Err: err}
	switch keystore.KindOf(err) {
	case keystore.DelegateUnavailable:
		f.Kind = DelegateUnavailable
	case keystore.DelegateDenied:
		f.Kind = DelegateDenied
	case keystore.TransportDisconnected:
		f.Kind = TransportDisconnected
	case keystore.KeyGenerationFailed:
		f.Kind = KeyGenerationFailed
	default:
		f.Kind = ProviderUnsupported
	}
	return f
}

// complete publishes r unless a newer request has started.
func (c *Controller) complete(gen uint64, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.gen.Load(); gen != cur {
		c.logger.Debug("stale result dropped", "generation", gen, "current", cur)
		return
	}
	switch r := r.(type) {
	case *Success:
		c.logger.Info("attestation loaded", "generation", gen, "provider", r.Provider,
			"certificates", len(r.Chain), "elapsed", r.Elapsed)
	case *Failure:
		c.logger.Warn("attestation failed", "generation", gen, "provider", r.Provider,
			"kind", r.Kind, "detail", r.Detail)
	}
	c.store.Publish(r)
}

// Wait blocks until every started request has completed.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Select moves the drill-down cursor. It only applies to a published
// success; selecting the current index is a no-op.
func (c *Controller) Select(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.store.Load()
	if snap == nil {
		return ErrNotReady
	}
	succ, ok := snap.Result.(*Success)
	if !ok {
		if _, failed := snap.Result.(*Failure); failed {
			return ErrLastFailed
		}
		return ErrNotReady
	}
	if index < 0 || succ.Decoded == nil || index >= len(succ.Decoded.Records) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if snap.Cursor != index {
		c.store.SetCursor(snap, index)
	}
	return nil
}

// CheckRKP probes the remote provisioning host through the selected
// provider. It does not touch the published result.
func (c *Controller) CheckRKP(ctx context.Context, host string) (keystore.RKPStatus, error) {
	c.mu.Lock()
	allowed := options.Allowed(options.CheckRKP, c.flags, c.state)
	provider := c.providerLocked()
	c.mu.Unlock()

	if !allowed {
		return keystore.RKPStatus{}, &keystore.Error{Kind: keystore.ProviderUnsupported, Op: "check rkp", Err: ErrNotAllowed}
	}
	return provider.CheckRKP(ctx, host)
}

// ImportKeybox installs kb into the selected provider. The option must be
// visible, which requires attest-key on and SAK off.
func (c *Controller) ImportKeybox(kb *keystore.Keybox) error {
	c.mu.Lock()
	allowed := options.Allowed(options.ImportKeybox, c.flags, c.state)
	provider := c.providerLocked()
	c.mu.Unlock()

	if !allowed {
		return ErrNotAllowed
	}
	imp, ok := provider.(KeyboxImporter)
	if !ok {
		return ErrNoImporter
	}
	return imp.ImportKeybox(kb)
}

// VerifiedBootHash returns the lowercase hex verified boot hash of the
// published root of trust.
func (c *Controller) VerifiedBootHash() (string, error) {
	snap := c.store.Load()
	if snap == nil {
		return "", ErrNotReady
	}
	switch r := snap.Result.(type) {
	case *Success:
		if r.Decoded == nil || r.Decoded.RootOfTrust == nil || len(r.Decoded.RootOfTrust.VerifiedBootHash) == 0 {
			return "", fmt.Errorf("%w: no verified boot hash in root of trust", ErrNotReady)
		}
		return hex.EncodeToString(r.Decoded.RootOfTrust.VerifiedBootHash), nil
	case *Failure:
		return "", ErrLastFailed
	}
	return "", ErrNotReady
}

// HasCertificates reports whether a chain is published.
func (c *Controller) HasCertificates() bool {
	snap := c.store.Load()
	if snap == nil {
		return false
	}
	succ, ok := snap.Result.(*Success)
	return ok && len(succ.Chain) > 0
}

// LoadChain publishes an externally obtained chain without contacting a
// provider. Any request in flight is superseded.
func (c *Controller) LoadChain(chain [][]byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen, _ := c.nextLocked()
	r := c.decode(gen, "file", chain)
	c.store.Publish(r)
	return r
}

// Close cancels any request in flight and waits for it to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerDone
	}
	c.closed = true
	c.gen.Inc()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
