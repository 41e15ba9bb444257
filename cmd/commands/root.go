package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/orchard-run/orchard/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "orchard",
		Usage: "Dependency-aware task orchestrator with certified completion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewStatusCommand(),
			NewServeCommand(),
		},
	}
}
