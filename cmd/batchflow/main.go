package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/batchflow/internal/config"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

const configKey = "config"

func main() {
	app := &cli.App{
		Name:  "batchflow",
		Usage: "Drive input files through batch inference jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a JSON or YAML config file",
				EnvVars: []string{"APP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (console, json)",
				EnvVars: []string{"LOG_FORMAT"},
			},
		},
		Before: loadConfig,
		Commands: []*cli.Command{
			runCommand(),
			watchCommand(),
			serveCommand(),
			purgeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Log.Error().Err(err).Msg("batchflow failed")
		os.Exit(1)
	}
}

// loadConfig reads the configuration once and applies logging settings before
// any command runs. Flags win over the config file.
func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		format = c.String("log-format")
	}
	logger.SetFormat(format)
	logger.SetLevel(level)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata[configKey].(*config.Config)
}
