package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyattest/internal/attestation"
	"keyattest/internal/capability"
	"keyattest/internal/ipc"
	"keyattest/internal/keystore"
	"keyattest/internal/options"
)

type fakeProvider struct {
	name    string
	feats   capability.Features
	featErr error

	mu    sync.Mutex
	calls []keystore.Request
	fn    func(ctx context.Context, req keystore.Request) (keystore.Chain, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Features() (capability.Features, error) { return p.feats, p.featErr }

func (p *fakeProvider) GenerateAndAttest(ctx context.Context, req keystore.Request) (keystore.Chain, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return keystore.Chain{{1}, {2}, {3}}, nil
	}
	return fn(ctx, req)
}

func (p *fakeProvider) CheckRKP(_ context.Context, host string) (keystore.RKPStatus, error) {
	return keystore.RKPStatus{Host: host, Reachable: true}, nil
}

func (p *fakeProvider) Calls() []keystore.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]keystore.Request(nil), p.calls...)
}

var deadbeef = bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 8)

// fakeDecoder returns one record per certificate, tagging the root of
// trust with the first byte of the leaf.
func fakeDecoder() Decoder {
	return DecoderFunc(func(chain [][]byte) (*attestation.Decoded, error) {
		if len(chain) == 0 {
			return nil, attestation.ErrEmptyChain
		}
		d := &attestation.Decoded{RootOfTrust: &attestation.RootOfTrust{VerifiedBootHash: deadbeef}}
		for i := range chain {
			d.Records = append(d.Records, attestation.Record{Index: i})
		}
		return d, nil
	})
}

func newController(t *testing.T, local, delegate keystore.Provider, state options.State) *Controller {
	t.Helper()
	c, err := New(Config{Local: local, Delegate: delegate, Decoder: fakeDecoder(), State: state})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func reloadAndWait(c *Controller, reset bool) *Snapshot {
	c.Reload(reset)
	c.Wait()
	return c.Snapshot()
}

func TestScenarioStrongBoxGated(t *testing.T) {
	c := newController(t, &fakeProvider{name: "local"}, nil, options.State{})

	assert.False(t, c.Set(options.PreferStrongBox, true))
	assert.False(t, c.State().PreferStrongBox)
	assert.NotContains(t, c.VisibleOptions(), options.PreferStrongBox)
}

func TestScenarioLocalSuccess(t *testing.T) {
	local := &fakeProvider{name: "local"}
	c := newController(t, local, nil, options.State{})

	snap := reloadAndWait(c, false)
	succ, ok := snap.Result.(*Success)
	require.True(t, ok, "got %T", snap.Result)
	assert.Len(t, succ.Chain, 3)
	assert.Equal(t, 0, snap.Cursor, "cursor defaults to the leaf")
	assert.Equal(t, "local", succ.Provider)
	assert.Len(t, succ.Request.Challenge, 16)

	hash, err := c.VerifiedBootHash()
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", hash)
	assert.True(t, c.HasCertificates())
}

type droppingClient struct {
	connected bool
	attests   int
}

func (d *droppingClient) Connect(context.Context) error { d.connected = true; return nil }
func (d *droppingClient) Close() error                  { d.connected = false; return nil }
func (d *droppingClient) IsConnected() bool             { return d.connected }
func (d *droppingClient) Capabilities(context.Context) (capability.Features, error) {
	return capability.Features{RKP: true, UniqueID: true}, nil
}
func (d *droppingClient) Attest(context.Context, *ipc.AttestRequest) ([][]byte, error) {
	d.attests++
	return nil, errors.New("unexpected")
}
func (d *droppingClient) CheckRKP(context.Context, string) (*ipc.CheckRKPResponse, error) {
	return &ipc.CheckRKPResponse{}, nil
}

func TestScenarioDelegateUnavailable(t *testing.T) {
	client := &droppingClient{}
	delegate := keystore.NewDelegateProvider(client, nil)
	require.NoError(t, delegate.Bind(context.Background()))

	c := newController(t, &fakeProvider{name: "local"}, delegate, options.State{PreferDelegate: true})
	require.True(t, c.Flags().DelegateAvailable)

	// The helper goes away after the probe.
	require.NoError(t, delegate.Unbind())

	snap := reloadAndWait(c, false)
	fail, ok := snap.Result.(*Failure)
	require.True(t, ok, "got %T", snap.Result)
	assert.Equal(t, DelegateUnavailable, fail.Kind)
	assert.Equal(t, "delegate", fail.Provider)
	assert.Zero(t, client.attests, "transport never invoked")
	assert.Equal(t, NoCursor, snap.Cursor)

	_, err := c.VerifiedBootHash()
	assert.ErrorIs(t, err, ErrLastFailed)
	assert.False(t, c.HasCertificates())
}

func TestScenarioStaleCompletionSuppressed(t *testing.T) {
	releaseA := make(chan struct{})
	startedA := make(chan struct{})
	local := &fakeProvider{name: "local"}
	local.fn = func(ctx context.Context, req keystore.Request) (keystore.Chain, error) {
		if req.Generation == 1 {
			close(startedA)
			<-releaseA // ignores cancellation on purpose
			return keystore.Chain{{0xa}}, nil
		}
		return keystore.Chain{{0xb}, {0xb}}, nil
	}
	c := newController(t, local, nil, options.State{})

	var (
		mu   sync.Mutex
		seen []Result
	)
	c.Subscribe(func(s *Snapshot) {
		mu.Lock()
		seen = append(seen, s.Result)
		mu.Unlock()
	})

	genA := c.Reload(false)
	<-startedA
	genB := c.Reload(false)
	assert.Greater(t, genB, genA)

	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().Result.(*Success)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	close(releaseA)
	c.Wait()

	succ := c.Snapshot().Result.(*Success)
	assert.Equal(t, genB, succ.Generation)
	assert.Equal(t, keystore.Chain{{0xb}, {0xb}}, succ.Chain)

	mu.Lock()
	defer mu.Unlock()
	for _, r := range seen {
		if s, ok := r.(*Success); ok {
			assert.Equal(t, genB, s.Generation, "A's success was never published")
		}
	}
}

func TestGenerationMonotonic(t *testing.T) {
	c := newController(t, &fakeProvider{name: "local"}, nil, options.State{})
	var last uint64
	for i := 0; i < 5; i++ {
		g := c.Reload(i%2 == 0)
		assert.Greater(t, g, last)
		last = g
	}
	c.Wait()
	assert.Equal(t, last, c.Snapshot().Result.Gen())
	assert.Equal(t, last, c.Generation())
}

func TestReloadPublishesLoadingFirst(t *testing.T) {
	block := make(chan struct{})
	local := &fakeProvider{name: "local", fn: func(ctx context.Context, req keystore.Request) (keystore.Chain, error) {
		<-block
		return keystore.Chain{{1}}, nil
	}}
	c := newController(t, local, nil, options.State{})

	gen := c.Reload(true)
	loading, ok := c.Snapshot().Result.(*Loading)
	require.True(t, ok)
	assert.Equal(t, gen, loading.Generation)

	_, err := c.VerifiedBootHash()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, c.Select(0), ErrNotReady)

	close(block)
	c.Wait()
	assert.True(t, local.Calls()[0].Reset)
}

func TestSelectCursor(t *testing.T) {
	c := newController(t, &fakeProvider{name: "local"}, nil, options.State{})
	assert.ErrorIs(t, c.Select(0), ErrNotReady)

	reloadAndWait(c, false)

	var published int
	c.Subscribe(func(*Snapshot) { published++ })

	require.NoError(t, c.Select(2))
	assert.Equal(t, 2, c.Snapshot().Cursor)
	assert.Equal(t, 2, c.Snapshot().Selected().Index)

	require.NoError(t, c.Select(2))
	assert.Equal(t, 1, published, "selecting the same index is a no-op")

	assert.ErrorIs(t, c.Select(3), ErrOutOfRange)
	assert.ErrorIs(t, c.Select(-1), ErrOutOfRange)
	assert.Equal(t, 2, c.Snapshot().Cursor)

	// A new result resets the cursor.
	reloadAndWait(c, false)
	assert.Equal(t, 0, c.Snapshot().Cursor)
}

func TestFailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(context.Context, keystore.Request) (keystore.Chain, error)
		decoder Decoder
		want    FailureKind
	}{
		{"empty chain", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, nil
		}, nil, EmptyChain},
		{"decode failed", nil, DecoderFunc(func([][]byte) (*attestation.Decoded, error) {
			return nil, attestation.ErrNoAttestation
		}), DecodeFailed},
		{"unsupported", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, &keystore.Error{Kind: keystore.ProviderUnsupported, Op: "generate"}
		}, nil, ProviderUnsupported},
		{"denied", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, &keystore.Error{Kind: keystore.DelegateDenied, Op: "generate"}
		}, nil, DelegateDenied},
		{"disconnected", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, &keystore.Error{Kind: keystore.TransportDisconnected, Op: "generate"}
		}, nil, TransportDisconnected},
		{"keystore failure", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, &keystore.Error{Kind: keystore.KeyGenerationFailed, Op: "generate"}
		}, nil, KeyGenerationFailed},
		{"unclassified", func(context.Context, keystore.Request) (keystore.Chain, error) {
			return nil, errors.New("keystore exploded")
		}, nil, ProviderUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := tt.decoder
			if dec == nil {
				dec = fakeDecoder()
			}
			c, err := New(Config{Local: &fakeProvider{name: "local", fn: tt.fn}, Decoder: dec})
			require.NoError(t, err)
			defer c.Close()

			fail, ok := reloadAndWait(c, false).Result.(*Failure)
			require.True(t, ok)
			assert.Equal(t, tt.want, fail.Kind)
			assert.NotEmpty(t, fail.Error())
		})
	}
}

func TestProviderSwitchDoesNotReload(t *testing.T) {
	delegate := &fakeProvider{name: "delegate", feats: capability.Features{SAK: true, RKP: true}}
	local := &fakeProvider{name: "local"}
	c := newController(t, local, delegate, options.State{})

	reloadAndWait(c, false)
	before := c.Snapshot()
	gen := c.Generation()

	require.True(t, c.Set(options.PreferDelegate, true))
	assert.True(t, c.Flags().CanUseSAK, "flags follow the selected provider")
	assert.Equal(t, gen, c.Generation())
	assert.Same(t, before, c.Snapshot())
	assert.Contains(t, c.VisibleOptions(), options.PreferSAK)

	snap := reloadAndWait(c, false)
	assert.Equal(t, "delegate", snap.Result.(*Success).Provider)
	assert.Len(t, delegate.Calls(), 1)
	assert.Len(t, local.Calls(), 1)
}

func TestRequestIsClamped(t *testing.T) {
	local := &fakeProvider{name: "local", feats: capability.Features{StrongBox: true}}
	c := newController(t, local, nil, options.State{PreferStrongBox: true, IncludeUniqueID: true, IDType: options.IDIMEI})

	reloadAndWait(c, false)
	req := local.Calls()[0]
	assert.True(t, req.UseStrongBox)
	assert.False(t, req.IncludeUniqueID)
	assert.False(t, req.IncludeIMEI)
}

func TestCheckRKPGated(t *testing.T) {
	local := &fakeProvider{name: "local", feats: capability.Features{RKP: true}}
	c := newController(t, local, nil, options.State{})

	_, err := c.CheckRKP(context.Background(), "")
	assert.Equal(t, keystore.ProviderUnsupported, keystore.KindOf(err))

	delegate := &fakeProvider{name: "delegate", feats: capability.Features{RKP: true}}
	c = newController(t, local, delegate, options.State{PreferDelegate: true})
	st, err := c.CheckRKP(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", st.Host)
	assert.Nil(t, c.Snapshot(), "probe does not publish")
}

func TestImportKeyboxGated(t *testing.T) {
	c := newController(t, &fakeProvider{name: "local", feats: capability.Features{AttestKey: true}}, nil, options.State{})
	assert.ErrorIs(t, c.ImportKeybox(&keystore.Keybox{}), ErrNotAllowed)

	require.True(t, c.Set(options.PreferAttestKey, true))
	assert.ErrorIs(t, c.ImportKeybox(&keystore.Keybox{}), ErrNoImporter)
}

func TestLoadChain(t *testing.T) {
	block := make(chan struct{})
	local := &fakeProvider{name: "local", fn: func(ctx context.Context, req keystore.Request) (keystore.Chain, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return keystore.Chain{{9}}, nil
	}}
	c := newController(t, local, nil, options.State{})

	inflight := c.Reload(false)
	r := c.LoadChain([][]byte{{1}, {2}})
	succ, ok := r.(*Success)
	require.True(t, ok)
	assert.Greater(t, succ.Generation, inflight)
	assert.Equal(t, "file", succ.Provider)

	close(block)
	c.Wait()
	assert.Same(t, r, c.Snapshot().Result, "superseded request is dropped")

	fail, ok := c.LoadChain(nil).(*Failure)
	require.True(t, ok)
	assert.Equal(t, EmptyChain, fail.Kind)
}

func TestCloseCancelsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	local := &fakeProvider{name: "local", fn: func(ctx context.Context, req keystore.Request) (keystore.Chain, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	c, err := New(Config{Local: local, Decoder: fakeDecoder()})
	require.NoError(t, err)

	c.Reload(false)
	require.NoError(t, c.Close())
	<-cancelled
	_, ok := c.Snapshot().Result.(*Loading)
	assert.True(t, ok, "cancelled result is not published")

	assert.ErrorIs(t, c.Close(), ErrControllerDone)
}

func TestWithLocalProvider(t *testing.T) {
	local, err := keystore.NewLocalProvider(keystore.LocalConfig{})
	require.NoError(t, err)
	c, err := New(Config{Local: local})
	require.NoError(t, err)
	defer c.Close()

	snap := reloadAndWait(c, false)
	succ, ok := snap.Result.(*Success)
	require.True(t, ok, "got %#v", snap.Result)
	require.Len(t, succ.Decoded.Records, 3)
	assert.Equal(t, succ.Request.Challenge, succ.Decoded.Leaf().Challenge)

	hash, err := c.VerifiedBootHash()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
}

func TestNewRequiresLocal(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
