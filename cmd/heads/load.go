package main

import (
	"context"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/loader"
)

// source says where a model's heads come from. Exactly one of specFile,
// headsDir and adapterDir is set.
type source struct {
	specFile   string
	headsDir   string
	adapterDir string
}

func (s source) validate() error {
	n := 0
	for _, v := range []string{s.specFile, s.headsDir, s.adapterDir} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return errdefs.Configf("give exactly one of --heads, --from and --adapter")
	}
	return nil
}

// headProgress draws a bar over the heads restored from dir. It returns a
// nil callback when dir has no manifest.
func headProgress(dir string) (func(string), func()) {
	cfgs, err := head.ReadManifest(dir)
	if err != nil || len(cfgs) == 0 {
		return nil, func() {}
	}
	bar := progressbar.NewOptions(len(cfgs),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Restoring heads"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return func(name string) {
			bar.Describe("Restoring " + name)
			_ = bar.Add(1)
		}, func() {
			_ = bar.Finish()
		}
}

// loadModel builds a headed model from src with the shared model flags.
func loadModel(ctx context.Context, src source, onlyInference bool) (*headed.Model, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	common := loader.Common{ModelsDir: modelsPath, Seed: seed}

	if src.adapterDir != "" {
		progress, done := headProgress(src.adapterDir)
		defer done()
		common.Progress = progress
		return loader.LoadLoRAWithHeads(ctx, src.adapterDir, loader.LoRALoadOptions{
			Common:        common,
			Quantization:  quantConfig(),
			OnlyInference: onlyInference,
		})
	}

	opts := loader.LoadOptions{
		Common:        common,
		ModelName:     modelName,
		OnlyInference: onlyInference,
		Quantization:  quantConfig(),
	}
	if src.specFile != "" {
		cfgs, err := head.ReadSpecFile(src.specFile)
		if err != nil {
			return nil, err
		}
		opts.HeadConfigs = cfgs
	} else {
		opts.HeadFolderPath = src.headsDir
		progress, done := headProgress(src.headsDir)
		defer done()
		opts.Progress = progress
	}
	return loader.LoadHeaded(ctx, opts)
}
