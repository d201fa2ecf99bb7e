// Command keyattest generates Android key attestation chains and inspects them.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file (TOML, JSON or YAML)",
		EnvVars: []string{"KEYATTEST_CONFIG"},
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print results as JSON",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "override the configured log level",
	}
	noDelegateFlag = &cli.BoolFlag{
		Name:  "no-delegate",
		Usage: "do not try to bind the privileged helper",
	}
	chainIDFlag = &cli.Int64Flag{
		Name:  "id",
		Usage: "history entry to use (default: most recent)",
	}
	allFlag = &cli.BoolFlag{
		Name:  "all",
		Usage: "print every certificate in detail",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "keyattest",
		Usage:   "generate and inspect Android key attestation chains",
		Version: Version,
		Flags:   []cli.Flag{configFlag, jsonFlag, logLevelFlag, noDelegateFlag},
		Commands: []*cli.Command{
			attestCommand(),
			optionsCommand(),
			setCommand(),
			selectCommand(),
			rkpCommand(),
			vbhashCommand(),
			saveCommand(),
			loadCommand(),
			importKeyboxCommand(),
			historyCommand(),
			revocationCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "keyattest: %v\n", err)
		os.Exit(1)
	}
}
