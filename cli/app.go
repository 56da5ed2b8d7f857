// Package cli is the linkflow command line: the master and worker processes
// and a client of the master's admin API.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/linkflow/utils/paramtable"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewApp builds the linkflow application.
func NewApp() *cli.App {
	return &cli.App{
		Name:  "linkflow",
		Usage: "distributed parallel query execution",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration `FILE`",
				EnvVars: []string{paramtable.ConfigFileEnv},
			},
		},
		Commands: []*cli.Command{
			masterCommand(),
			workerCommand(),
			submitCommand(),
			statusCommand(),
			controlCommand("kill", "kill a running query"),
			controlCommand("pause", "pause a running query"),
			controlCommand("resume", "resume a paused query"),
			historyCommand(),
			workersCommand(),
			sampleCommand(),
		},
	}
}

// Run runs the application until it returns or the process is interrupted.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewApp().RunContext(ctx, args)
}
