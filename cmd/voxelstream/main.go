package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/logging"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "voxelstream:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "voxelstream",
		Usage: "stream voxel chunks around moving viewers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config (VOXELSTREAM_* env vars override it)",
				EnvVars: []string{"VOXELSTREAM_CONFIG"},
			},
		},
		Commands: []*cli.Command{serveCmd, pregenCmd, inspectCmd, replayCmd},
	}
}

func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
