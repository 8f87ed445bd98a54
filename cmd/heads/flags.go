package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/quant"
)

var (
	modelName  string
	modelsPath string
	seed       int64
	logLevel   string
	logFormat  string
	debug      bool

	loadIn4Bit bool
	loadIn8Bit bool
	blockSize  int64
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "backbone directory or name under --models-path",
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory holding backbone checkpoints",
			Sources:     cli.EnvVars(envModelsDir),
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for freshly initialised heads and adapters",
			Value:       0,
			Destination: &seed,
		},
	}
}

func quantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "load-in-4bit",
			Usage:       "quantize backbone linears to 4 bits",
			Destination: &loadIn4Bit,
		},
		&cli.BoolFlag{
			Name:        "load-in-8bit",
			Usage:       "quantize backbone linears to 8 bits",
			Destination: &loadIn8Bit,
		},
		&cli.Int64Flag{
			Name:        "block-size",
			Usage:       "quantization block size",
			Value:       quant.DefaultBlockSize,
			Destination: &blockSize,
		},
	}
}

// quantConfig is nil unless a width flag was given.
func quantConfig() *quant.Config {
	if !loadIn4Bit && !loadIn8Bit {
		return nil
	}
	return &quant.Config{LoadIn4Bit: loadIn4Bit, LoadIn8Bit: loadIn8Bit, BlockSize: int(blockSize)}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	return logger.WithContext(ctx, logger.ForFormat(logFormat, os.Stderr, level)), nil
}
