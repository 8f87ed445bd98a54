// Package backbone defines what a pretrained decoder must provide to carry
// heads, the registry of implementations keyed by model type, and the
// checkpoint layout shared by all of them.
package backbone

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/quant"
)

// ConfigFile is the Hugging Face style configuration file name.
const ConfigFile = "config.json"

// Config mirrors the config.json fields the decoders understand.
type Config struct {
	NameOrPath            string   `json:"_name_or_path,omitempty"`
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures,omitempty"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads,omitempty"`
	HeadDim               int      `json:"head_dim,omitempty"`
	VocabSize             int      `json:"vocab_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	RMSNormEps            float64  `json:"rms_norm_eps"`
	RopeTheta             float64  `json:"rope_theta,omitempty"`
	TieWordEmbeddings     bool     `json:"tie_word_embeddings"`
	OutputHiddenStates    bool     `json:"output_hidden_states"`
	OutputAttentions      bool     `json:"output_attentions"`
	TorchDType            string   `json:"torch_dtype,omitempty"`

	Quantization *quant.Config `json:"quantization_config,omitempty"`
}

// KVHeads defaults to the attention head count.
func (c Config) KVHeads() int {
	if c.NumKeyValueHeads > 0 {
		return c.NumKeyValueHeads
	}
	return c.NumAttentionHeads
}

// HeadSize defaults to hidden_size / num_attention_heads.
func (c Config) HeadSize() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c Config) Theta() float64 {
	if c.RopeTheta > 0 {
		return c.RopeTheta
	}
	return 10000
}

func (c Config) Eps() float32 {
	if c.RMSNormEps > 0 {
		return float32(c.RMSNormEps)
	}
	return 1e-6
}

func (c Config) Validate() error {
	switch {
	case c.ModelType == "":
		return errdefs.Configf("backbone config: model_type is required")
	case c.HiddenSize <= 0, c.IntermediateSize <= 0, c.NumHiddenLayers <= 0, c.VocabSize <= 0:
		return errdefs.Configf("backbone config: hidden_size, intermediate_size, num_hidden_layers and vocab_size must be positive")
	case c.NumAttentionHeads <= 0:
		return errdefs.Configf("backbone config: num_attention_heads must be positive")
	case c.NumAttentionHeads%c.KVHeads() != 0:
		return errdefs.Configf("backbone config: %d attention heads not divisible by %d kv heads", c.NumAttentionHeads, c.KVHeads())
	case c.HeadSize()%2 != 0 || c.HeadSize() == 0:
		return errdefs.Configf("backbone config: head size %d must be even and positive", c.HeadSize())
	}
	if c.Quantization != nil {
		return c.Quantization.Validate()
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	if c.Architectures != nil {
		out.Architectures = append([]string(nil), c.Architectures...)
	}
	if c.Quantization != nil {
		q := *c.Quantization
		q.SkipModules = append([]string(nil), c.Quantization.SkipModules...)
		out.Quantization = &q
	}
	return out
}

func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, errdefs.Loadf("backbone config %s not found", path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read backbone config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Save(dir string) error {
	return WriteJSON(filepath.Join(dir, ConfigFile), c)
}

// WriteJSON writes v as indented JSON, creating the parent directory.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
