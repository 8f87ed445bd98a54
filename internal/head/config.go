// Package head describes auxiliary prediction heads and the MLP modules
// built from those descriptions.
package head

import (
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
)

// LMHeadName is reserved for the head that replaces the backbone's own
// vocabulary projection.
const LMHeadName = "lm_head"

// Config is the declarative description of one head. Field names are the
// keys used in head_configs.json and in YAML head spec files.
type Config struct {
	Name      string `json:"name" yaml:"name"`
	LayerHook int    `json:"layer_hook" yaml:"layer_hook"`
	InSize    int    `json:"in_size" yaml:"in_size"`
	// NumOutputs is nil for causal LM heads, which project to the vocabulary.
	NumOutputs       *int    `json:"num_outputs" yaml:"num_outputs"`
	LayerSizes       []int   `json:"layer_sizes,omitempty" yaml:"layer_sizes,omitempty"`
	Activation       string  `json:"activation" yaml:"activation"`
	OutputActivation string  `json:"output_activation" yaml:"output_activation"`
	OutputBias       bool    `json:"output_bias" yaml:"output_bias"`
	Dropout          float32 `json:"dropout" yaml:"dropout"`
	// LossFct names the loss; nil means the head never contributes to the loss.
	LossFct                  *string `json:"loss_fct" yaml:"loss_fct"`
	IsRegression             bool    `json:"is_regression" yaml:"is_regression"`
	IsCausalLM               bool    `json:"is_causal_lm" yaml:"is_causal_lm"`
	Trainable                bool    `json:"trainable" yaml:"trainable"`
	RequiresIndividualSaving bool    `json:"requires_individual_saving" yaml:"requires_individual_saving"`
}

// Defaults returns the values a decoded record starts from.
func Defaults() Config {
	return Config{
		Activation:       "linear",
		OutputActivation: "linear",
		Trainable:        true,
	}
}

// record is the decoded form of a Config. hidden_size is accepted as another
// name for in_size.
type record struct {
	plain      `yaml:",inline"`
	HiddenSize *int `json:"hidden_size" yaml:"hidden_size"`
}

type plain Config

func (r record) config() (Config, error) {
	c := Config(r.plain)
	if r.HiddenSize != nil {
		if c.InSize != 0 && c.InSize != *r.HiddenSize {
			return c, errdefs.Configf("head %q: in_size %d and hidden_size %d disagree", c.Name, c.InSize, *r.HiddenSize)
		}
		c.InSize = *r.HiddenSize
	}
	return c, nil
}

func (c *Config) UnmarshalJSON(b []byte) error {
	r := record{plain: plain(Defaults())}
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	out, err := r.config()
	if err != nil {
		return err
	}
	*c = out
	return nil
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	r := record{plain: plain(Defaults())}
	if err := node.Decode(&r); err != nil {
		return err
	}
	out, err := r.config()
	if err != nil {
		return err
	}
	*c = out
	return nil
}

// IsLMHead reports whether c describes the reserved primary LM head.
func (c Config) IsLMHead() bool {
	return c.Name == LMHeadName
}

// HasLoss reports whether the head declares a loss function.
func (c Config) HasLoss() bool {
	return c.LossFct != nil && *c.LossFct != ""
}

// Outputs is the width of the head's last layer.
func (c Config) Outputs(vocabSize int) int {
	if c.NumOutputs != nil {
		return *c.NumOutputs
	}
	return vocabSize
}

// Validate checks everything that does not depend on the backbone.
func (c Config) Validate(reg nn.Registry) error {
	if strings.TrimSpace(c.Name) == "" {
		return errdefs.Configf("head name must not be empty")
	}
	if c.InSize <= 0 {
		return errdefs.Configf("head %q: in_size must be positive, got %d", c.Name, c.InSize)
	}
	if c.NumOutputs == nil && !c.IsCausalLM {
		return errdefs.Configf("head %q: num_outputs is required unless is_causal_lm is set", c.Name)
	}
	if c.NumOutputs != nil && *c.NumOutputs <= 0 {
		return errdefs.Configf("head %q: num_outputs must be positive, got %d", c.Name, *c.NumOutputs)
	}
	for i, w := range c.LayerSizes {
		if w <= 0 {
			return errdefs.Configf("head %q: layer_sizes[%d] must be positive, got %d", c.Name, i, w)
		}
	}
	if c.IsLMHead() && len(c.LayerSizes) > 0 {
		return errdefs.Configf("head %q must be a single linear projection", c.Name)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errdefs.Configf("head %q: dropout must be in [0, 1), got %v", c.Name, c.Dropout)
	}
	if _, err := reg.Activation(c.Activation); err != nil {
		return errdefs.Configf("head %q: %v", c.Name, err)
	}
	if _, err := reg.Activation(c.OutputActivation); err != nil {
		return errdefs.Configf("head %q: output %v", c.Name, err)
	}
	if c.HasLoss() {
		if _, err := reg.Loss(*c.LossFct); err != nil {
			return errdefs.Configf("head %q: %v", c.Name, err)
		}
	}
	return nil
}

// ResolveLayerHook maps LayerHook onto an index into a hidden-state sequence
// of numLayers+1 entries (index 0 is the embedding output). Negative hooks
// count from the end, so -1 is the last layer.
func (c Config) ResolveLayerHook(numLayers int) (int, error) {
	n := numLayers + 1
	idx := c.LayerHook
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return 0, errdefs.Configf("head %q: layer_hook %d out of range for %d layers", c.Name, c.LayerHook, numLayers)
	}
	return idx, nil
}

// CheckUnique fails when two configs share a name.
func CheckUnique(cfgs []Config) error {
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		if _, ok := seen[c.Name]; ok {
			return errdefs.Configf("duplicate head name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	if c.NumOutputs != nil {
		n := *c.NumOutputs
		out.NumOutputs = &n
	}
	if c.LossFct != nil {
		s := *c.LossFct
		out.LossFct = &s
	}
	if c.LayerSizes != nil {
		out.LayerSizes = append([]int(nil), c.LayerSizes...)
	}
	return out
}

// Ptr is a helper for the optional fields.
func Ptr[T any](v T) *T { return &v }
