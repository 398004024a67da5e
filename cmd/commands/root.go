// Package commands holds the warden CLI.
package commands

import (
	"github.com/urfave/cli/v3"

	"warden/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "warden",
		Usage: "Autonomous execution core: tasks, schedules, providers",
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
			NewGatewayCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewScheduleCommand(),
		},
	}
}
