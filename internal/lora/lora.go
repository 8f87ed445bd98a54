// Package lora attaches, saves and restores low-rank adapters on linear
// sublayers using the PEFT on-disk layout.
package lora

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/safetensors"
)

const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"

	// keyPrefix is prepended to module paths in adapter weight files.
	keyPrefix = "base_model.model."
)

// Config is the adapter_config.json record.
type Config struct {
	BaseModelNameOrPath string   `json:"base_model_name_or_path"`
	R                   int      `json:"r"`
	LoraAlpha           float32  `json:"lora_alpha"`
	LoraDropout         float32  `json:"lora_dropout"`
	TargetModules       []string `json:"target_modules"`
	Bias                string   `json:"bias"`
	TaskType            string   `json:"task_type"`
	PeftType            string   `json:"peft_type"`
	InferenceMode       bool     `json:"inference_mode"`
}

func DefaultConfig() Config {
	return Config{
		R:           8,
		LoraAlpha:   16,
		LoraDropout: 0.05,
		Bias:        "none",
		TaskType:    "CAUSAL_LM",
		PeftType:    "LORA",
	}
}

func (c Config) Validate() error {
	if c.R <= 0 {
		return errdefs.Configf("lora: r must be positive, got %d", c.R)
	}
	if c.LoraDropout < 0 || c.LoraDropout >= 1 {
		return errdefs.Configf("lora: dropout must be in [0, 1), got %v", c.LoraDropout)
	}
	if c.Bias != "" && c.Bias != "none" {
		return errdefs.Configf("lora: bias %q is not supported", c.Bias)
	}
	if c.PeftType != "" && c.PeftType != "LORA" {
		return errdefs.Configf("lora: peft type %q is not supported", c.PeftType)
	}
	return nil
}

// FindAllLinearNames collects the distinct last path segments of the linear
// layers an adapter can target. bits selects quantized layers (4 or 8) or
// float ones (anything else); names containing an entry of noadd and the
// lm_head projection are left out.
func FindAllLinearNames(bits int, linears []nn.NamedLinear, noadd []string) []string {
	wantQuantized := bits == 4 || bits == 8
	var names []string
	for _, l := range linears {
		if (l.Linear.Quantized != nil) != wantQuantized {
			continue
		}
		if slices.ContainsFunc(noadd, func(s string) bool { return strings.Contains(l.Name, s) }) {
			continue
		}
		parts := strings.Split(l.Name, ".")
		name := parts[len(parts)-1]
		if name == "lm_head" || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Matches reports whether module is named by one of targets, either exactly
// or as its final dotted segments.
func Matches(module string, targets []string) bool {
	for _, t := range targets {
		if module == t || strings.HasSuffix(module, "."+t) {
			return true
		}
	}
	return false
}

// Attach puts a fresh adapter on every linear matched by cfg.TargetModules
// and returns the adapted module names.
func Attach(linears []nn.NamedLinear, cfg Config, seed int64) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.TargetModules) == 0 {
		return nil, errdefs.Configf("lora: no target modules")
	}
	var adapted []string
	for i, l := range linears {
		if !Matches(l.Name, cfg.TargetModules) {
			continue
		}
		l.Linear.Adapter = nn.NewLoRA(l.Linear.In, l.Linear.Out, cfg.R, cfg.LoraAlpha, cfg.LoraDropout, seed+int64(i)*2)
		adapted = append(adapted, l.Name)
	}
	if len(adapted) == 0 {
		return nil, errdefs.Configf("lora: target modules %v match no linear layer", cfg.TargetModules)
	}
	return adapted, nil
}

// PrepareForKbitTraining freezes every base parameter so only adapters (and
// whatever the caller unfreezes afterwards) receive updates.
func PrepareForKbitTraining(params []nn.NamedParameter) {
	nn.SetRequiresGrad(params, false)
}

// UnfreezeAdapters enables gradients on every adapter matrix, identified by
// "lora" in its name.
func UnfreezeAdapters(params []nn.NamedParameter) int {
	return nn.SetRequiresGradMatching(params, "lora", true)
}

// StateDict collects the adapter matrices under their PEFT key names.
func StateDict(linears []nn.NamedLinear) nn.StateDict {
	sd := nn.StateDict{}
	for _, l := range linears {
		if l.Linear.Adapter == nil {
			continue
		}
		sd[keyPrefix+l.Name+".lora_A.weight"] = l.Linear.Adapter.A.Value
		sd[keyPrefix+l.Name+".lora_B.weight"] = l.Linear.Adapter.B.Value
	}
	return sd
}

// Save writes adapter_config.json and adapter_model.safetensors to dir.
func Save(dir string, cfg Config, linears []nn.NamedLinear) error {
	sd := StateDict(linears)
	if len(sd) == 0 {
		return fmt.Errorf("lora: no adapters attached")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("lora: encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), sd, safetensors.WriteOptions{
		Metadata: map[string]string{"format": "pt"},
	})
}

func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, errdefs.Loadf("adapter config %s not found", path)
	}
	if err != nil {
		return Config{}, errdefs.Loadf("read adapter config: %v", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errdefs.Loadf("parse %s: %v", path, err)
	}
	return cfg, nil
}

// Load attaches adapters described by dir's config to the matching linears
// and fills them with the stored weights.
func Load(dir string, linears []nn.NamedLinear) (Config, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return Config{}, err
	}
	path := filepath.Join(dir, WeightsFile)
	sd, _, err := safetensors.ReadFile(path)
	if err != nil {
		return Config{}, errdefs.Loadf("read adapter weights: %v", err)
	}
	adapted, err := Attach(linears, cfg, 0)
	if err != nil {
		return Config{}, err
	}
	byName := make(map[string]*nn.Linear, len(linears))
	for _, l := range linears {
		byName[l.Name] = l.Linear
	}
	for _, name := range adapted {
		a := byName[name].Adapter
		for suffix, p := range map[string]*nn.Parameter{".lora_A.weight": a.A, ".lora_B.weight": a.B} {
			key := keyPrefix + name + suffix
			t, ok := sd[key]
			if !ok {
				return Config{}, errdefs.Loadf("adapter tensor %s missing from %s", key, path)
			}
			if !slices.Equal(t.Shape, p.Value.Shape) {
				return Config{}, errdefs.Loadf("adapter tensor %s has shape %v, want %v", key, t.Shape, p.Value.Shape)
			}
			p.Value = t
		}
	}
	return cfg, nil
}
