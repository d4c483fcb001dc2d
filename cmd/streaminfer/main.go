// Command streaminfer runs batched and streaming chat inference from the
// command line, serves it over HTTP and preprocesses chat datasets.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"streaminfer/config"
	"streaminfer/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	backendArg string

	cfg config.Config
	log *zap.SugaredLogger
)

func main() {
	app := &cli.Command{
		Name:  "streaminfer",
		Usage: "Batched and streaming chat inference",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to streaminfer.yaml",
				Sources:     cli.EnvVars("STREAMINFER_CONFIG"),
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "override backend.name (" + backendNames() + ")",
				Destination: &backendArg,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (json, console)",
				Destination: &logFormat,
			},
		},
		Before: setup,
		After: func(ctx context.Context, cmd *cli.Command) error {
			if log != nil {
				_ = log.Sync()
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inferCmd(),
			serveCmd(),
			preprocessCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger before any command
// runs. Flags win over the file.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return ctx, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if backendArg != "" {
		cfg.Backend.Name = backendArg
	}
	log, err = logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return ctx, err
	}
	return ctx, nil
}
