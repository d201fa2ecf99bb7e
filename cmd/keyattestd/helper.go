package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"keyattest/internal/config"
	"keyattest/internal/delegate"
	"keyattest/internal/ipc"
	"keyattest/internal/keystore"
	"keyattest/internal/logging"
	"keyattest/internal/metrics"
)

// helper runs the privileged keystore behind the delegate socket.
type helper struct {
	loader  *config.Loader
	server  *ipc.Server
	metrics *metrics.Helper
	logger  *logging.Logger
	pidFile string
}

// pidPath places the PID file next to the socket.
func pidPath(socket string) string {
	return strings.TrimSuffix(socket, filepath.Ext(socket)) + ".pid"
}

func newHelper(loader *config.Loader, logger *logging.Logger) (*helper, error) {
	cfg := loader.Config()
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	local, err := keystore.NewLocalFromConfig(cfg, true, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	scfg := ipc.DefaultServerConfig(cfg.Delegate.SocketPath)
	scfg.Version = Version
	scfg.MaxConnections = cfg.Delegate.MaxConnections
	scfg.AllowedUIDs = cfg.Delegate.AllowedUIDs
	scfg.Logger = logger.Logger
	if cfg.Delegate.Permissions != "" {
		mode, err := strconv.ParseUint(cfg.Delegate.Permissions, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("socket permissions: %w", err)
		}
		scfg.Permissions = os.FileMode(mode)
	}

	m := metrics.NewHelper(nil)
	server, err := ipc.NewServer(scfg, delegate.NewHandler(local, logger.Logger).WithMetrics(m))
	if err != nil {
		return nil, err
	}

	h := &helper{
		loader:  loader,
		server:  server,
		metrics: m,
		logger:  logger,
		pidFile: pidPath(cfg.Delegate.SocketPath),
	}
	loader.OnChange(h.applyConfig)
	return h, nil
}

// Start listens on the socket and records the PID.
func (h *helper) Start() error {
	if running(h.pidFile) {
		return fmt.Errorf("helper already running (pid file %s)", h.pidFile)
	}
	if err := h.server.Start(); err != nil {
		return err
	}
	if err := os.WriteFile(h.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		h.server.Stop()
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Stop closes the socket and removes the PID file.
func (h *helper) Stop() error {
	err := h.server.Stop()
	os.Remove(h.pidFile)
	return err
}

// applyConfig takes the parts of a reloaded configuration that can change
// while serving. Everything else needs a restart.
func (h *helper) applyConfig(old, new *config.Config) {
	if old == nil {
		return
	}
	if !slices.Equal(old.Delegate.AllowedUIDs, new.Delegate.AllowedUIDs) {
		h.server.SetAllowedUIDs(new.Delegate.AllowedUIDs)
		h.logger.Info("allowed uids updated", "uids", new.Delegate.AllowedUIDs)
	}
	if old.Delegate.SocketPath != new.Delegate.SocketPath ||
		old.Delegate.Permissions != new.Delegate.Permissions ||
		old.Keystore != new.Keystore {
		h.logger.Warn("configuration change needs a restart to take effect")
	}
}

// running reports whether the process named in pidFile is alive.
func running(pidFile string) bool {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func stop(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}
