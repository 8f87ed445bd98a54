package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/toy"
)

var torchDTypes = map[string]string{
	"F32":  "float32",
	"F16":  "float16",
	"BF16": "bfloat16",
}

func toyInitCmd() *cli.Command {
	var (
		out       string
		hidden    int64
		layers    int64
		vocab     int64
		dtype     string
		tieEmbeds bool
	)
	return &cli.Command{
		Name:  "toy-init",
		Usage: "Write a randomly initialised toy backbone checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &out},
			&cli.Int64Flag{Name: "hidden-size", Value: 32, Destination: &hidden},
			&cli.Int64Flag{Name: "layers", Value: 2, Destination: &layers},
			&cli.Int64Flag{Name: "vocab-size", Value: 128, Destination: &vocab},
			&cli.StringFlag{Name: "dtype", Usage: "checkpoint dtype (F32, F16, BF16)", Value: "F32", Destination: &dtype},
			&cli.BoolFlag{Name: "tie-embeddings", Usage: "reuse the input embeddings as lm_head", Destination: &tieEmbeds},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := toy.DefaultConfig()
			cfg.HiddenSize = int(hidden)
			cfg.IntermediateSize = 2 * int(hidden)
			cfg.NumHiddenLayers = int(layers)
			cfg.VocabSize = int(vocab)
			cfg.TieWordEmbeddings = tieEmbeds
			cfg.TorchDType = torchDTypes[dtype]
			if cfg.TorchDType == "" {
				return fmt.Errorf("unsupported dtype %q", dtype)
			}
			dec, err := toy.NewRandom(cfg, seed)
			if err != nil {
				return err
			}
			if err := cfg.Save(out); err != nil {
				return err
			}
			sd := nn.StateDict{}
			sd.Merge("model", dec.StateDict())
			if err := backbone.WriteCheckpoint(out, sd, dtype); err != nil {
				return fmt.Errorf("write checkpoint: %w", err)
			}
			logger.FromContext(ctx).Info("wrote toy backbone",
				"dir", out,
				"layers", cfg.NumHiddenLayers,
				"hidden", cfg.HiddenSize,
				"vocab", cfg.VocabSize,
				"params", nn.CountElements(dec.Parameters()),
			)
			return nil
		},
	}
}
