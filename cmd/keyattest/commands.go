package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"keyattest/internal/config"
	"keyattest/internal/keystore"
	"keyattest/internal/options"
	"keyattest/internal/report"
	"keyattest/internal/revocation"
	"keyattest/internal/security"
	"keyattest/internal/session"
	"keyattest/internal/store"
)

const maxKeyboxFile = 1 << 20

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// pathArg returns the command's file argument as a clean absolute path.
func pathArg(cCtx *cli.Context) (string, error) {
	if cCtx.Args().Len() == 0 {
		return "", fmt.Errorf("%s: missing %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
	}
	return security.CleanPath(cCtx.Args().First())
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("value must be on or off, got %q", s)
}

func attestCommand() *cli.Command {
	return &cli.Command{
		Name:  "attest",
		Usage: "generate a key with the current options and print its attestation",
		Flags: []cli.Flag{
			allFlag,
			&cli.BoolFlag{Name: "reset", Usage: "discard cached keys before generating"},
			&cli.StringFlag{Name: "note", Usage: "note stored with the history entry"},
			&cli.BoolFlag{Name: "no-record", Usage: "do not store the chain in the history"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			e.ctrl.Reload(cCtx.Bool("reset"))
			e.ctrl.Wait()
			if err := e.print(cCtx); err != nil {
				return err
			}

			switch r := e.ctrl.Snapshot().Result.(type) {
			case *session.Failure:
				return r
			case *session.Success:
				if cCtx.Bool("no-record") {
					return nil
				}
				id, err := e.record(r, cCtx.String("note"))
				if err != nil {
					e.log.Warn("chain not recorded", "error", err)
					return nil
				}
				e.log.Info("chain recorded", "id", id, "certificates", len(r.Chain))
			}
			return nil
		}),
	}
}

func optionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "options",
		Usage: "list the options the selected provider supports",
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			visible := e.ctrl.VisibleOptions()
			state := e.ctrl.State()
			w := cCtx.App.Writer

			if cCtx.Bool(jsonFlag.Name) {
				type entry struct {
					Name   string `json:"name"`
					Action bool   `json:"action,omitempty"`
					On     bool   `json:"on"`
				}
				out := struct {
					Flags   any     `json:"flags"`
					Options []entry `json:"options"`
				}{Flags: e.ctrl.Flags()}
				for _, opt := range visible {
					out.Options = append(out.Options, entry{Name: opt.String(), Action: opt.IsAction(), On: state.Get(opt)})
				}
				return writeJSON(w, out)
			}

			for _, opt := range visible {
				switch {
				case opt.IsAction():
					fmt.Fprintf(w, "    %s (action)\n", opt)
				case state.Get(opt):
					fmt.Fprintf(w, "[x] %s\n", opt)
				default:
					fmt.Fprintf(w, "[ ] %s\n", opt)
				}
			}
			return nil
		}),
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "change an option and remember it",
		ArgsUsage: "<option> <on|off>  |  id-type <none|serial|imei|meid>",
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			if cCtx.NArg() != 2 {
				return cli.ShowSubcommandHelp(cCtx)
			}
			name, value := cCtx.Args().Get(0), cCtx.Args().Get(1)

			var applied bool
			if name == "id-type" {
				t, err := options.ParseIDType(value)
				if err != nil {
					return err
				}
				applied = e.ctrl.SetIDType(t)
			} else {
				opt, err := options.ParseOption(name)
				if err != nil {
					return err
				}
				if opt.IsAction() {
					return fmt.Errorf("%s is an action, not a setting", opt)
				}
				on, err := parseSwitch(value)
				if err != nil {
					return err
				}
				applied = e.ctrl.Set(opt, on)
			}
			if !applied {
				return fmt.Errorf("%s: %w", name, session.ErrNotAllowed)
			}
			return e.savePrefs()
		}),
	}
}

func selectCommand() *cli.Command {
	return &cli.Command{
		Name:      "select",
		Usage:     "show one certificate of a recorded chain",
		ArgsUsage: "<index>",
		Flags:     []cli.Flag{chainIDFlag},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			index, err := strconv.Atoi(cCtx.Args().First())
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			if _, err := e.loadHistory(cCtx.Int64(chainIDFlag.Name)); err != nil {
				return err
			}
			if err := e.ctrl.Select(index); err != nil {
				return err
			}
			snap := e.ctrl.Snapshot()
			if cCtx.Bool(jsonFlag.Name) {
				return writeJSON(cCtx.App.Writer, snap.Selected())
			}
			report.PrintRecord(cCtx.App.Writer, snap.Selected(), e.reportOptions(cCtx))
			return nil
		}),
	}
}

func rkpCommand() *cli.Command {
	return &cli.Command{
		Name:  "rkp",
		Usage: "check whether the remote key provisioning server is reachable",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "provisioning host (default: " + config.DefaultRKPHost + ")"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			st, err := e.ctrl.CheckRKP(cCtx.Context, cCtx.String("host"))
			if err != nil {
				return err
			}
			if cCtx.Bool(jsonFlag.Name) {
				return writeJSON(cCtx.App.Writer, st)
			}
			if st.Reachable {
				fmt.Fprintf(cCtx.App.Writer, "%s reachable in %s\n", st.Host, st.Latency.Round(time.Millisecond))
			} else {
				fmt.Fprintf(cCtx.App.Writer, "%s unreachable: %s\n", st.Host, st.Detail)
			}
			return nil
		}),
	}
}

func vbhashCommand() *cli.Command {
	return &cli.Command{
		Name:  "vbhash",
		Usage: "print the verified boot hash of a recorded chain",
		Flags: []cli.Flag{
			chainIDFlag,
			&cli.BoolFlag{Name: "fresh", Usage: "attest now instead of reading the history"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			if cCtx.Bool("fresh") {
				e.ctrl.Reload(false)
				e.ctrl.Wait()
			} else if _, err := e.loadHistory(cCtx.Int64(chainIDFlag.Name)); err != nil {
				return err
			}
			hash, err := e.ctrl.VerifiedBootHash()
			if err != nil {
				if f, ok := e.ctrl.Snapshot().Result.(*session.Failure); ok && errors.Is(err, session.ErrLastFailed) {
					return fmt.Errorf("%w: %v", err, f)
				}
				return err
			}
			fmt.Fprintln(cCtx.App.Writer, hash)
			return nil
		}),
	}
}

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "export a recorded chain to a file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			chainIDFlag,
			&cli.StringFlag{Name: "format", Value: "pem", Usage: "pem or der"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			path, err := pathArg(cCtx)
			if err != nil {
				return err
			}
			format, err := store.ParseFormat(cCtx.String("format"))
			if err != nil {
				return err
			}
			if _, err := e.loadHistory(cCtx.Int64(chainIDFlag.Name)); err != nil {
				return err
			}
			if !e.ctrl.HasCertificates() {
				return store.ErrNoCertificates
			}
			succ := e.ctrl.Snapshot().Result.(*session.Success)
			if err := store.WriteChainFile(path, succ.Chain, format); err != nil {
				return err
			}
			e.log.Info("chain saved", "path", path, "certificates", len(succ.Chain))
			return nil
		}),
	}
}

func loadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "decode a chain from a PEM or DER file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			allFlag,
			&cli.BoolFlag{Name: "record", Usage: "store the chain in the history"},
			&cli.StringFlag{Name: "note", Usage: "note stored with the history entry"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			path, err := pathArg(cCtx)
			if err != nil {
				return err
			}
			chain, err := store.ReadChainFile(path)
			if err != nil {
				return err
			}
			r := e.ctrl.LoadChain(chain)
			if err := e.print(cCtx); err != nil {
				return err
			}
			switch r := r.(type) {
			case *session.Failure:
				return r
			case *session.Success:
				if cCtx.Bool("record") {
					note := cCtx.String("note")
					if note == "" {
						note = filepath.Base(path)
					}
					if _, err := e.record(r, note); err != nil {
						return err
					}
				}
			}
			return nil
		}),
	}
}

func importKeyboxCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-keybox",
		Usage:     "install an XML keybox as the attestation key",
		ArgsUsage: "<path>",
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			path, err := pathArg(cCtx)
			if err != nil {
				return err
			}
			data, err := security.ReadLimited(path, maxKeyboxFile)
			if err != nil {
				return err
			}
			kb, err := keystore.ParseKeyboxBytes(data)
			if err != nil {
				return err
			}
			if err := e.ctrl.ImportKeybox(kb); err != nil {
				return fmt.Errorf("import keybox: %w", err)
			}

			dest := e.cfg.Keystore.KeyboxPath
			if dest == "" {
				dest = filepath.Join(config.GetDefaultPaths().DataDir, "keybox.xml")
			}
			if err := security.WriteSecretFile(dest, data); err != nil {
				return err
			}
			if e.cfg.Keystore.KeyboxPath == "" {
				e.cfg.Keystore.KeyboxPath = dest
				if err := config.SaveConfig(e.cfg, e.cfgPath); err != nil {
					return err
				}
			}
			e.log.Info("keybox installed", "path", dest, "certificates", len(kb.Chain))
			return nil
		}),
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recorded chains",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "entries to show, 0 for all"},
			&cli.BoolFlag{Name: "verify", Usage: "check every stored chain against its hash"},
			&cli.Int64Flag{Name: "delete", Usage: "remove an entry"},
		},
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			w := cCtx.App.Writer

			if id := cCtx.Int64("delete"); id != 0 {
				return st.DeleteChain(id)
			}
			if cCtx.Bool("verify") {
				bad, err := st.VerifyAll()
				if err != nil {
					return err
				}
				if len(bad) > 0 {
					return fmt.Errorf("%d corrupted entries: %v", len(bad), bad)
				}
				fmt.Fprintln(w, "all entries intact")
				return nil
			}

			entries, err := st.History(cCtx.Int("limit"))
			if err != nil {
				return err
			}
			if cCtx.Bool(jsonFlag.Name) {
				return writeJSON(w, entries)
			}
			for _, s := range entries {
				fmt.Fprintf(w, "%4d  %s  %-8s  %-18s  %d certs  %s\n",
					s.ID, s.CreatedAt.Format(time.RFC3339), s.Provider, s.SecurityLevel, s.Certificates, s.Note)
			}
			return nil
		}),
	}
}

func revocationCommand() *cli.Command {
	return &cli.Command{
		Name:      "revocation",
		Usage:     "load the certificate status list and look up serial numbers",
		ArgsUsage: "[hex serial...]",
		Action: withEnv(func(cCtx *cli.Context, e *env) error {
			list, err := revocation.NewFetcher(e.cfg.Revocation, e.log.Logger).Load(cCtx.Context)
			if err != nil {
				return err
			}
			w := cCtx.App.Writer
			fmt.Fprintf(w, "source: %s (%d entries)\n", list.Source, list.Len())

			for _, arg := range cCtx.Args().Slice() {
				serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(arg), "0x"), 16)
				if !ok {
					return fmt.Errorf("invalid serial %q", arg)
				}
				st, found := list.Lookup(serial)
				if !found {
					fmt.Fprintf(w, "%s: good\n", serial.Text(16))
					continue
				}
				line := serial.Text(16) + ": " + st.Status
				if st.Reason != "" {
					line += " (" + st.Reason + ")"
				}
				fmt.Fprintln(w, line)
			}
			return nil
		}),
	}
}
