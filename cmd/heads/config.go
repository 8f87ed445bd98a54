package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/heads/internal/quant"
)

const envModelsDir = "HEADS_MODELS_DIR"

// Config represents the heads configuration file (~/.config/heads/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Seed      *int64 `yaml:"seed"`

	Quantization *quant.Config `yaml:"quantization"`

	LoRA struct {
		R       *int     `yaml:"r"`
		Alpha   *float64 `yaml:"alpha"`
		Dropout *float64 `yaml:"dropout"`
	} `yaml:"lora"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

// configPathOverride is a seam for tests.
var configPathOverride string

func configPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "heads", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if q := cfg.Quantization; q != nil && !c.IsSet("load-in-4bit") && !c.IsSet("load-in-8bit") {
		loadIn4Bit = q.LoadIn4Bit
		loadIn8Bit = q.LoadIn8Bit
		if q.BlockSize > 0 && !c.IsSet("block-size") {
			blockSize = int64(q.BlockSize)
		}
	}
}

// applyLoRAConfig applies config file defaults to the adapter flags.
func applyLoRAConfig(c *cli.Command, cfg Config, r *int64, alpha, dropout *float64) {
	if cfg.LoRA.R != nil && !c.IsSet("rank") {
		*r = int64(*cfg.LoRA.R)
	}
	if cfg.LoRA.Alpha != nil && !c.IsSet("alpha") {
		*alpha = *cfg.LoRA.Alpha
	}
	if cfg.LoRA.Dropout != nil && !c.IsSet("lora-dropout") {
		*dropout = *cfg.LoRA.Dropout
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
