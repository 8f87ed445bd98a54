// Package loader builds headed models for the three supported regimes:
// plain or quantized loading with fresh or restored heads, loading a saved
// low-rank adapter with its heads, and creating a fresh quantized adapter.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/lora"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/quant"
)

// Common holds the options shared by every entry point.
type Common struct {
	// ModelsDir resolves bare model names; see ResolveModel.
	ModelsDir string
	Registry  *nn.Registry
	Seed      int64
	// Progress is called after each head is restored from disk.
	Progress func(name string)
}

// LoadOptions configures LoadHeaded. Exactly one of HeadConfigs and
// HeadFolderPath must be set.
type LoadOptions struct {
	Common

	ModelName      string
	HeadConfigs    []head.Config
	HeadFolderPath string
	OnlyInference  bool
	Quantization   *quant.Config
	// FreezeBaseModel defaults to true when nil.
	FreezeBaseModel *bool
}

// LoRALoadOptions configures LoadLoRAWithHeads.
type LoRALoadOptions struct {
	Common

	Quantization  *quant.Config
	OnlyInference bool
	// FullyTrainedHeads defaults to true when nil.
	FullyTrainedHeads *bool
}

// QLoRAOptions configures CreateHeadedQLoRA.
type QLoRAOptions struct {
	Common

	ModelName    string
	Quantization *quant.Config
	// LoRA.TargetModules is discovered from the model when empty.
	LoRA        lora.Config
	HeadConfigs []head.Config
	// FullyTrainedHeads defaults to true when nil.
	FullyTrainedHeads *bool
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

// ResolveModel maps name to a model directory: name itself when it is a
// directory, otherwise modelsDir/name.
func ResolveModel(name, modelsDir string) (string, error) {
	if name == "" {
		return "", errdefs.Configf("model name is required")
	}
	if st, err := os.Stat(name); err == nil && st.IsDir() {
		return name, nil
	}
	if modelsDir != "" {
		p := filepath.Join(modelsDir, name)
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			return p, nil
		}
	}
	return "", errdefs.Loadf("model %q not found (models dir %q)", name, modelsDir)
}

// build runs the shared pipeline: base config, composite config, model,
// checkpoint weights.
func build(ctx context.Context, modelDir string, heads []head.Config, c Common, qc *quant.Config) (*headed.Model, error) {
	log := logger.FromContext(ctx)
	base, err := backbone.LoadConfig(modelDir)
	if err != nil {
		return nil, err
	}
	if base.NameOrPath == "" {
		base.NameOrPath = modelDir
	}
	if qc != nil {
		base.Quantization = qc
	}
	cfg, err := headed.FromBase(base, heads)
	if err != nil {
		return nil, err
	}
	model, err := headed.New(cfg, headed.Options{Registry: c.Registry, Seed: c.Seed})
	if err != nil {
		return nil, err
	}
	sd, err := backbone.ReadCheckpoint(modelDir)
	if err != nil {
		return nil, err
	}
	rep, err := model.LoadPretrained(sd)
	if err != nil {
		return nil, err
	}
	if len(rep.MissingBackbone) > 0 {
		return nil, errdefs.Loadf("checkpoint %s is missing %d backbone tensors (first: %s)", modelDir, len(rep.MissingBackbone), rep.MissingBackbone[0])
	}
	log.Info("loaded backbone",
		"model_type", base.ModelType,
		"path", modelDir,
		"layers", base.NumHiddenLayers,
		"heads", len(heads),
		"heads_from_checkpoint", rep.HeadsLoaded,
	)
	if len(rep.Unexpected) > 0 {
		log.Debug("unused checkpoint tensors", "count", len(rep.Unexpected))
	}
	return model, nil
}

func quantize(ctx context.Context, model *headed.Model, qc *quant.Config) error {
	n, err := model.Quantize(qc)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Info("quantized backbone", "bits", qc.Bits(), "block_size", qc.Block(), "linears", n, "skip", qc.SkipModules)
	return nil
}

func restoreHeads(ctx context.Context, model *headed.Model, dir string, c Common) error {
	log := logger.FromContext(ctx)
	return model.LoadHeads(dir, func(name string) {
		log.Debug("restored head", "head", name, "dir", dir)
		if c.Progress != nil {
			c.Progress(name)
		}
	})
}

// LoadHeaded loads a backbone with heads, either fresh from HeadConfigs or
// restored from HeadFolderPath.
func LoadHeaded(ctx context.Context, opts LoadOptions) (*headed.Model, error) {
	if (opts.HeadConfigs == nil) == (opts.HeadFolderPath == "") {
		return nil, errdefs.Configf("exactly one of head configs and head folder path must be given")
	}
	freeze := orTrue(opts.FreezeBaseModel)
	qc := opts.Quantization
	if qc != nil {
		if err := qc.Validate(); err != nil {
			return nil, err
		}
		if !qc.Quantized() {
			qc = nil
		}
	}
	if qc != nil && !opts.OnlyInference && !freeze {
		return nil, errdefs.Configf("quantization needs inference-only mode or a frozen base model; use a quantized adapter to train the base model")
	}

	heads := opts.HeadConfigs
	if opts.HeadFolderPath != "" {
		var err error
		if heads, err = head.ReadManifest(opts.HeadFolderPath); err != nil {
			return nil, err
		}
	}
	if qc != nil {
		qc.PatchSkipModules()
	}
	modelDir, err := ResolveModel(opts.ModelName, opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	model, err := build(ctx, modelDir, heads, opts.Common, qc)
	if err != nil {
		return nil, err
	}

	if freeze || qc != nil {
		// Heads are frozen too; the loop below re-enables trainable ones.
		nn.SetRequiresGrad(model.NamedParameters(), false)
	}
	if qc != nil {
		if err := quantize(ctx, model, qc); err != nil {
			return nil, err
		}
		if !opts.OnlyInference {
			lora.PrepareForKbitTraining(model.NamedParameters())
		}
		model.SetBackboneSave(headed.SaveNone, nil)
	}

	for _, h := range model.OutputHeads() {
		if !opts.OnlyInference {
			if h.HeadConfig().Trainable {
				h.SetRequiresGrad(true)
			}
			h.SetIndividualSaving(true)
		}
	}
	if opts.HeadFolderPath != "" {
		if err := restoreHeads(ctx, model, opts.HeadFolderPath, opts.Common); err != nil {
			return nil, err
		}
	}
	logger.FromContext(ctx).Info("headed model ready",
		"trainable_params", nn.CountElements(model.TrainableParameters()),
		"backbone_save", model.BackboneSaveMode().String(),
	)
	return model, nil
}

// LoadLoRAWithHeads restores a model saved with an adapter-only backbone:
// the base model named in adapter_config.json, the adapter, and the heads.
func LoadLoRAWithHeads(ctx context.Context, path string, opts LoRALoadOptions) (*headed.Model, error) {
	acfg, err := lora.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	heads, err := head.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	qc := opts.Quantization
	if qc != nil {
		if err := qc.Validate(); err != nil {
			return nil, err
		}
		qc.PatchSkipModules()
		if !qc.Quantized() {
			qc = nil
		}
	}
	modelDir, err := ResolveModel(acfg.BaseModelNameOrPath, opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	model, err := build(ctx, modelDir, heads, opts.Common, qc)
	if err != nil {
		return nil, err
	}
	if qc != nil {
		if err := quantize(ctx, model, qc); err != nil {
			return nil, err
		}
	}
	if !opts.OnlyInference {
		lora.PrepareForKbitTraining(model.NamedParameters())
	}
	acfg, err = lora.Load(path, model.NamedLinears())
	if err != nil {
		return nil, err
	}
	if !opts.OnlyInference {
		lora.UnfreezeAdapters(model.NamedParameters())
	}
	if err := restoreHeads(ctx, model, path, opts.Common); err != nil {
		return nil, err
	}
	if !opts.OnlyInference && orTrue(opts.FullyTrainedHeads) {
		for _, h := range model.OutputHeads() {
			h.SetRequiresGrad(true)
			h.SetIndividualSaving(true)
		}
	}
	model.SetBackboneSave(headed.SaveAdapter, &acfg)
	logger.FromContext(ctx).Info("loaded adapter",
		"path", path,
		"base", acfg.BaseModelNameOrPath,
		"r", acfg.R,
		"targets", acfg.TargetModules,
		"trainable_params", nn.CountElements(model.TrainableParameters()),
	)
	return model, nil
}

// CreateHeadedQLoRA quantizes a backbone, attaches fresh heads and a fresh
// adapter, and leaves only the adapter (and optionally the heads)
// trainable.
func CreateHeadedQLoRA(ctx context.Context, opts QLoRAOptions) (*headed.Model, error) {
	qc := opts.Quantization
	if qc == nil {
		return nil, errdefs.Configf("a quantized adapter needs a quantization config")
	}
	if err := qc.Validate(); err != nil {
		return nil, err
	}
	if len(opts.HeadConfigs) == 0 {
		return nil, errdefs.Configf("a quantized adapter needs at least one head")
	}
	qc.PatchSkipModules()
	modelDir, err := ResolveModel(opts.ModelName, opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	model, err := build(ctx, modelDir, opts.HeadConfigs, opts.Common, qc)
	if err != nil {
		return nil, err
	}
	if err := quantize(ctx, model, qc); err != nil {
		return nil, err
	}

	acfg := opts.LoRA
	if acfg.BaseModelNameOrPath == "" {
		acfg.BaseModelNameOrPath = opts.ModelName
	}
	if len(acfg.TargetModules) == 0 {
		acfg.TargetModules = lora.FindAllLinearNames(qc.Bits(), model.NamedLinears(), []string{"heads"})
	}
	lora.PrepareForKbitTraining(model.NamedParameters())
	adapted, err := lora.Attach(model.NamedLinears(), acfg, opts.Seed)
	if err != nil {
		return nil, err
	}
	lora.UnfreezeAdapters(model.NamedParameters())
	if orTrue(opts.FullyTrainedHeads) {
		for _, h := range model.OutputHeads() {
			h.SetRequiresGrad(true)
			h.SetIndividualSaving(true)
		}
	}
	model.SetBackboneSave(headed.SaveAdapter, &acfg)
	logger.FromContext(ctx).Info("attached adapter",
		"r", acfg.R,
		"alpha", acfg.LoraAlpha,
		"targets", acfg.TargetModules,
		"adapted_linears", len(adapted),
		"trainable_params", nn.CountElements(model.TrainableParameters()),
	)
	return model, nil
}

// HasSavedHeads reports whether dir holds a head manifest.
func HasSavedHeads(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, head.ManifestFile))
	return !errors.Is(err, fs.ErrNotExist)
}

// Describe summarises a model for logs and the CLI.
func Describe(m *headed.Model) string {
	cfg := m.Config()
	return fmt.Sprintf("%s: %d layers, hidden %d, vocab %d, %d heads, backbone save %s",
		cfg.ModelType, cfg.NumHiddenLayers, cfg.HiddenSize, cfg.VocabSize, len(cfg.OutputHeads), m.BackboneSaveMode())
}
