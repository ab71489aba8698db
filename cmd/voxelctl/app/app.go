// Package app wires the voxelctl subcommands.
package app

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/voxelnet-project/voxelnet/internal/util"
)

func Instance() *cli.App {
	logLevel := "warn"
	return &cli.App{
		Name:    "voxelctl",
		Usage:   "Talk to a voxelnet server from the terminal",
		Version: util.Version,
		Commands: []*cli.Command{
			connectCmd(),
			whoCmd(),
			discoverCmd(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: debug, info, warn, error",
				EnvVars:     []string{"VOXELCTL_LOG_LEVEL"},
				Destination: &logLevel,
				Value:       logLevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			return util.InitLogger(util.LogConfig{
				App:     "voxelctl",
				Level:   logLevel,
				Console: true,
			})
		},
	}
}

func Run(ctx context.Context, args []string) error {
	return Instance().RunContext(ctx, args)
}
