package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/loader"
	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/lora"
	"github.com/samcharles93/heads/internal/quant"
)

func attachCmd() *cli.Command {
	var (
		specFile      string
		headsDir      string
		out           string
		onlyInference bool
		noFreeze      bool
		backboneSave  string
	)
	return &cli.Command{
		Name:  "attach",
		Usage: "Load a backbone with heads from a spec file or a saved head folder and save the result",
		Flags: append(append(commonModelFlags(), quantFlags()...),
			&cli.StringFlag{Name: "heads", Usage: "YAML or JSON head spec file", Destination: &specFile},
			&cli.StringFlag{Name: "from", Usage: "folder with head_configs.json and saved heads", Destination: &headsDir},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &out},
			&cli.BoolFlag{Name: "only-inference", Usage: "do not mark heads trainable", Destination: &onlyInference},
			&cli.BoolFlag{Name: "no-freeze", Usage: "keep backbone parameters trainable", Destination: &noFreeze},
			&cli.StringFlag{Name: "backbone", Usage: "backbone save mode (auto, full, none)", Value: "auto", Destination: &backboneSave},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			if (specFile == "") == (headsDir == "") {
				return errdefs.Configf("give exactly one of --heads and --from")
			}
			opts := loader.LoadOptions{
				Common:          loader.Common{ModelsDir: modelsPath, Seed: seed},
				ModelName:       modelName,
				HeadFolderPath:  headsDir,
				OnlyInference:   onlyInference,
				Quantization:    quantConfig(),
				FreezeBaseModel: head.Ptr(!noFreeze),
			}
			if specFile != "" {
				cfgs, err := head.ReadSpecFile(specFile)
				if err != nil {
					return err
				}
				opts.HeadConfigs = cfgs
			} else {
				progress, done := headProgress(headsDir)
				defer done()
				opts.Progress = progress
			}
			m, err := loader.LoadHeaded(ctx, opts)
			if err != nil {
				return err
			}
			switch backboneSave {
			case "auto":
			case "full":
				if m.Quantized() {
					return errdefs.Configf("cannot save a full backbone from a quantized model")
				}
				m.SetBackboneSave(headed.SaveFull, nil)
			case "none":
				m.SetBackboneSave(headed.SaveNone, nil)
			default:
				return errdefs.Configf("unknown backbone save mode %q", backboneSave)
			}
			if err := m.Save(out); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("saved headed model", "dir", out, "model", loader.Describe(m))
			return nil
		},
	}
}

func qloraCmd() *cli.Command {
	var (
		specFile    string
		out         string
		r           int64
		alpha       float64
		dropout     float64
		targets     []string
		headsFrozen bool
		taskType    string
	)
	defaults := lora.DefaultConfig()
	return &cli.Command{
		Name:  "qlora",
		Usage: "Quantize a backbone, attach fresh heads and a fresh low-rank adapter, and save them",
		Flags: append(append(commonModelFlags(), quantFlags()...),
			&cli.StringFlag{Name: "heads", Usage: "YAML or JSON head spec file", Required: true, Destination: &specFile},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &out},
			&cli.Int64Flag{Name: "rank", Aliases: []string{"r"}, Usage: "adapter rank", Value: int64(defaults.R), Destination: &r},
			&cli.FloatFlag{Name: "alpha", Usage: "adapter scaling numerator", Value: float64(defaults.LoraAlpha), Destination: &alpha},
			&cli.FloatFlag{Name: "lora-dropout", Usage: "adapter input dropout", Value: float64(defaults.LoraDropout), Destination: &dropout},
			&cli.StringSliceFlag{Name: "target", Usage: "linear module name to adapt (repeatable); all quantized linears when empty", Destination: &targets},
			&cli.BoolFlag{Name: "heads-frozen", Usage: "leave heads with their configured trainable flag", Destination: &headsFrozen},
			&cli.StringFlag{Name: "task-type", Value: defaults.TaskType, Destination: &taskType},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applyLoRAConfig(cmd, cfg, &r, &alpha, &dropout)
			qc := quantConfig()
			if qc == nil {
				qc = &quant.Config{LoadIn4Bit: true, BlockSize: int(blockSize)}
			}
			cfgs, err := head.ReadSpecFile(specFile)
			if err != nil {
				return err
			}
			acfg := defaults
			acfg.R = int(r)
			acfg.LoraAlpha = float32(alpha)
			acfg.LoraDropout = float32(dropout)
			acfg.TargetModules = targets
			acfg.TaskType = taskType
			m, err := loader.CreateHeadedQLoRA(ctx, loader.QLoRAOptions{
				Common:            loader.Common{ModelsDir: modelsPath, Seed: seed},
				ModelName:         modelName,
				Quantization:      qc,
				LoRA:              acfg,
				HeadConfigs:       cfgs,
				FullyTrainedHeads: head.Ptr(!headsFrozen),
			})
			if err != nil {
				return err
			}
			if err := m.Save(out); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("saved adapter and heads", "dir", out, "model", loader.Describe(m))
			return nil
		},
	}
}
