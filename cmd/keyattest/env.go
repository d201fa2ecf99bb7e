package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"keyattest/internal/attestation"
	"keyattest/internal/config"
	"keyattest/internal/ipc"
	"keyattest/internal/keystore"
	"keyattest/internal/logging"
	"keyattest/internal/options"
	"keyattest/internal/report"
	"keyattest/internal/revocation"
	"keyattest/internal/session"
	"keyattest/internal/store"
)

var errNoHistory = errors.New("no attestation recorded yet; run 'keyattest attest' first")

// env is everything one invocation needs. Build it with setup and release
// it with close.
type env struct {
	cfgPath  string
	cfg      *config.Config
	log      *logging.Logger
	local    *keystore.LocalProvider
	delegate *keystore.DelegateProvider
	ctrl     *session.Controller
	history  *store.Store
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func setup(cCtx *cli.Context) (*env, error) {
	loader := config.NewLoader(cCtx.String(configFlag.Name))
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging, "keyattest")
	if err != nil {
		return nil, err
	}
	if lvl := cCtx.String(logLevelFlag.Name); lvl != "" {
		if logCfg.Level, err = logging.ParseLevel(lvl); err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	e := &env{cfgPath: loader.Path(), cfg: cfg, log: logger}

	e.local, err = keystore.NewLocalFromConfig(cfg, false, logger.Logger)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("local keystore: %w", err)
	}

	var delegate keystore.Provider
	if cfg.Delegate.Enabled && !cCtx.Bool(noDelegateFlag.Name) {
		e.delegate = e.bindDelegate(cCtx.Context)
		delegate = e.delegate
	}

	state, err := options.Load(cfg.Storage.PreferencesPath)
	if err != nil {
		logger.Warn("preferences unreadable, using defaults", "path", cfg.Storage.PreferencesPath, "error", err)
	}

	e.ctrl, err = session.New(session.Config{
		Local:    e.local,
		Delegate: delegate,
		Decoder:  e.decoder(cCtx.Context),
		State:    state,
		Logger:   logger.Logger,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// bindDelegate connects to the helper. A failed bind leaves the provider
// unbound, which the capability probe reports as unavailable.
func (e *env) bindDelegate(ctx context.Context) *keystore.DelegateProvider {
	dc := e.cfg.Delegate
	ccfg := ipc.DefaultClientConfig(dc.SocketPath)
	ccfg.ClientVersion = Version
	ccfg.ConnectTimeout = seconds(dc.ConnectTimeoutSec, 5)
	ccfg.RequestTimeout = seconds(dc.RequestTimeoutSec, 30)
	if dc.BindAttempts > 0 {
		ccfg.BindAttempts = dc.BindAttempts
	}

	d := keystore.NewDelegateProvider(ipc.NewClient(ccfg), e.log.Logger)
	bindCtx, cancel := context.WithTimeout(ctx, ccfg.ConnectTimeout*time.Duration(ccfg.BindAttempts+1))
	defer cancel()
	if err := d.Bind(bindCtx); err != nil {
		e.log.Debug("continuing without helper", "socket", dc.SocketPath, "kind", keystore.KindOf(err))
	}
	return d
}

// decoder fetches the revocation list on first use only, so commands that
// never decode a chain stay offline.
func (e *env) decoder(ctx context.Context) session.Decoder {
	var (
		once sync.Once
		dec  *attestation.Decoder
	)
	return session.DecoderFunc(func(chain [][]byte) (*attestation.Decoded, error) {
		once.Do(func() {
			dec = attestation.NewDecoder(nil)
			list, err := revocation.NewFetcher(e.cfg.Revocation, e.log.Logger).Load(ctx)
			if err != nil {
				e.log.Warn("revocation status unavailable", "error", err)
				return
			}
			e.log.Debug("revocation list loaded", "source", list.Source, "entries", list.Len())
			dec = attestation.NewDecoder(list)
		})
		return dec.Decode(chain)
	})
}

func (e *env) openStore() (*store.Store, error) {
	if e.history != nil {
		return e.history, nil
	}
	st, err := store.OpenWithTimeout(e.cfg.Storage.Path, e.cfg.Storage.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}
	e.history = st
	return st, nil
}

// record stores a successful attestation in the history.
func (e *env) record(succ *session.Success, note string) (int64, error) {
	st, err := e.openStore()
	if err != nil {
		return 0, err
	}
	c := &store.Chain{
		Provider:     succ.Provider,
		Generation:   succ.Generation,
		Note:         note,
		Certificates: succ.Chain,
	}
	if leaf := succ.Decoded.Leaf(); leaf != nil {
		c.SecurityLevel = leaf.AttestationSecurityLevel.String()
		c.Challenge = leaf.Challenge
	}
	return st.SaveChain(c)
}

// historyChain returns entry id, or the newest entry when id is 0.
func (e *env) historyChain(id int64) (*store.Chain, error) {
	st, err := e.openStore()
	if err != nil {
		return nil, err
	}
	if id == 0 {
		recent, err := st.History(1)
		if err != nil {
			return nil, err
		}
		if len(recent) == 0 {
			return nil, errNoHistory
		}
		id = recent[0].ID
	}
	c, err := st.GetChain(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("history entry %d not found", id)
	}
	if err := store.VerifyChainIntegrity(c); err != nil {
		return nil, err
	}
	return c, nil
}

// loadHistory publishes a stored chain into the controller.
func (e *env) loadHistory(id int64) (session.Result, error) {
	c, err := e.historyChain(id)
	if err != nil {
		return nil, err
	}
	return e.ctrl.LoadChain(c.Certificates), nil
}

func (e *env) savePrefs() error {
	return e.ctrl.State().Save(e.cfg.Storage.PreferencesPath)
}

func (e *env) reportOptions(cCtx *cli.Context) report.Options {
	return report.Options{
		Secret: e.ctrl.State().SecretMode,
		All:    cCtx.Bool(allFlag.Name),
	}
}

func (e *env) print(cCtx *cli.Context) error {
	snap := e.ctrl.Snapshot()
	if cCtx.Bool(jsonFlag.Name) {
		return report.WriteJSON(cCtx.App.Writer, snap, e.reportOptions(cCtx))
	}
	report.PrintSnapshot(cCtx.App.Writer, snap, e.reportOptions(cCtx))
	return nil
}

func (e *env) close() {
	if e.ctrl != nil {
		e.ctrl.Close()
	}
	if e.delegate != nil {
		e.delegate.Unbind()
	}
	if e.history != nil {
		e.history.Close()
	}
	if e.log != nil {
		e.log.Close()
	}
}

// withEnv wraps a command action with setup and teardown.
func withEnv(fn func(cCtx *cli.Context, e *env) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cCtx, e)
	}
}
