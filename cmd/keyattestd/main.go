// Command keyattestd is the privileged attestation helper. It serves the
// full keystore, including device identifiers, over a Unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"keyattest/internal/config"
	"keyattest/internal/ipc"
	"keyattest/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "configuration file (TOML, JSON or YAML)",
	EnvVars: []string{"KEYATTEST_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:    "keyattestd",
		Usage:   "privileged key attestation helper",
		Version: Version,
		Flags:   []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "listen on the helper socket until interrupted",
				Action: serve,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "watch", Value: true, Usage: "reload the configuration file when it changes"},
					&cli.DurationFlag{Name: "status-interval", Value: 5 * time.Minute, Usage: "how often to log connection counts"},
				},
			},
			{
				Name:   "status",
				Usage:  "query a running helper",
				Action: status,
			},
			{
				Name:   "stop",
				Usage:  "stop a running helper",
				Action: stopHelper,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "keyattestd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cCtx.String(configFlag.Name))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return loader, cfg, nil
}

func serve(cCtx *cli.Context) error {
	loader, cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	defer loader.Close()

	logCfg, err := logging.FromSettings(cfg.Logging, "keyattestd")
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	h, err := newHelper(loader, logger)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	if cCtx.Bool("watch") {
		if err := loader.Watch(); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	logger.Info("helper started", "version", Version, "pid", os.Getpid(), "config", loader.Path())

	ctx, stopSignals := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if addr := cCtx.String("metrics-addr"); addr != "" {
		go func() {
			if err := h.metrics.Serve(ctx, addr, h.server.PeerCount); err != nil {
				logger.Error("metrics endpoint", "addr", addr, "error", err)
			}
		}()
		logger.Info("metrics endpoint", "addr", addr)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	interval := cCtx.Duration("status-interval")
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-hup:
			if err := loader.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		case err := <-loader.Errors():
			logger.Warn("config watch", "error", err)
		case <-ticker.C:
			logger.Debug("status", "clients", h.server.PeerCount())
		}
	}
}

func status(cCtx *cli.Context) error {
	_, cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	ccfg := ipc.DefaultClientConfig(cfg.Delegate.SocketPath)
	ccfg.ClientName = "keyattestd"
	ccfg.ClientVersion = Version
	ccfg.BindAttempts = 1
	client := ipc.NewClient(ccfg)

	ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("helper not reachable at %s: %w", cfg.Delegate.SocketPath, err)
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	feats, err := client.Capabilities(ctx)
	if err != nil {
		return err
	}

	w := cCtx.App.Writer
	fmt.Fprintf(w, "Version:   %s\n", st.Version)
	fmt.Fprintf(w, "Started:   %s (up %s)\n", st.StartedAt.Format(time.RFC3339), st.Uptime.Round(time.Second))
	fmt.Fprintf(w, "Clients:   %d\n", st.Clients)
	fmt.Fprintf(w, "Served:    %d\n", st.Served)
	fmt.Fprintf(w, "Features:  %+v\n", feats)
	return nil
}

func stopHelper(cCtx *cli.Context) error {
	_, cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	pidFile := pidPath(cfg.Delegate.SocketPath)
	if !running(pidFile) {
		return fmt.Errorf("helper is not running")
	}
	return stop(pidFile)
}
