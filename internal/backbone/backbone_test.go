package backbone

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/quant"
	"github.com/samcharles93/heads/internal/safetensors"
	"github.com/samcharles93/heads/internal/tensor"
)

type stub struct{ cfg Config }

func (s *stub) Config() Config { return s.cfg }
func (s *stub) Forward(context.Context, Inputs) (*Outputs, error) {
	return &Outputs{}, nil
}
func (s *stub) InputEmbeddings() *nn.Embedding               { return nil }
func (s *stub) SetInputEmbeddings(*nn.Embedding) error       { return nil }
func (s *stub) Linears() []nn.NamedLinear                    { return nil }
func (s *stub) Parameters() []nn.NamedParameter              { return nil }
func (s *stub) StateDict() nn.StateDict                      { return nn.StateDict{} }
func (s *stub) LoadStateDict(nn.StateDict) ([]string, error) { return nil, nil }
func (s *stub) SetTraining(bool)                             {}

func init() {
	Register(Spec{
		ModelType: "stub-test",
		Prefix:    "transformer",
		New:       func(cfg Config) (Backbone, error) { return &stub{cfg: cfg}, nil },
	})
}

func testConfig() Config {
	return Config{
		ModelType:             "stub-test",
		Architectures:         []string{"StubForCausalLM"},
		HiddenSize:            8,
		IntermediateSize:      16,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		NumKeyValueHeads:      1,
		VocabSize:             32,
		MaxPositionEmbeddings: 64,
		RMSNormEps:            1e-5,
		RopeTheta:             10000,
		TorchDType:            "float32",
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	if !slices.Contains(Types(), "stub-test") {
		t.Fatalf("Types() = %v, missing stub-test", Types())
	}
	b, spec, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if spec.Prefix != "transformer" || b.Config().HiddenSize != 8 {
		t.Fatalf("unexpected spec %+v / config %+v", spec, b.Config())
	}

	_, err = Lookup("gpt-nonexistent")
	if !errors.Is(err, errdefs.ErrUnknownModelType) {
		t.Fatalf("Lookup err = %v, want ErrUnknownModelType", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register(Spec{ModelType: "stub-test", New: func(Config) (Backbone, error) { return nil, nil }})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no model type", mutate: func(c *Config) { c.ModelType = "" }},
		{name: "no layers", mutate: func(c *Config) { c.NumHiddenLayers = 0 }},
		{name: "kv heads", mutate: func(c *Config) { c.NumAttentionHeads = 3; c.NumKeyValueHeads = 2 }},
		{name: "odd head size", mutate: func(c *Config) { c.HiddenSize = 6 }},
		{name: "both quant widths", mutate: func(c *Config) { c.Quantization = &quant.Config{LoadIn4Bit: true, LoadIn8Bit: true} }},
	}
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	for _, tt := range tests {
		c := testConfig()
		tt.mutate(&c)
		if err := c.Validate(); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Fatalf("%s: err = %v, want ErrConfiguration", tt.name, err)
		}
	}
}

func TestConfigSaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := testConfig()
	want.Quantization = &quant.Config{LoadIn4Bit: true, SkipModules: quant.HeadSkipModules}
	if err := want.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config round trip (-want +got):\n%s", diff)
	}
	if _, err := LoadConfig(t.TempDir()); !errors.Is(err, errdefs.ErrLoad) {
		t.Fatalf("LoadConfig on empty dir err = %v, want ErrLoad", err)
	}
}

func TestCheckpointSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sd := nn.StateDict{
		"model.embed_tokens.weight": tensor.MustFromSlice([]float32{1, 2, 3, 4}, 2, 2),
		"lm_head.weight":            tensor.MustFromSlice([]float32{5, 6, 7, 8}, 2, 2),
	}
	if err := WriteCheckpoint(dir, sd, ""); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	got, err := ReadCheckpoint(dir)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	for name, want := range sd {
		if !tensor.Equal(want, got[name]) {
			t.Fatalf("%s: got %v, want %v", name, got[name], want)
		}
	}
}

func TestCheckpointSharded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := map[string]*tensor.Tensor{"model.norm.weight": tensor.Full(1, 4)}
	b := map[string]*tensor.Tensor{"lm_head.weight": tensor.Full(2, 3, 4)}
	if err := safetensors.WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), a, safetensors.WriteOptions{}); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"), b, safetensors.WriteOptions{}); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	idx := shardIndex{WeightMap: map[string]string{
		"model.norm.weight": "model-00001-of-00002.safetensors",
		"lm_head.weight":    "model-00002-of-00002.safetensors",
	}}
	if err := WriteJSON(filepath.Join(dir, IndexFile), idx); err != nil {
		t.Fatalf("write index: %v", err)
	}
	sd, err := ReadCheckpoint(dir)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if len(sd) != 2 || sd["lm_head.weight"].Dim(0) != 3 {
		t.Fatalf("unexpected state dict %v", sd)
	}

	if _, err := ReadCheckpoint(t.TempDir()); !errors.Is(err, errdefs.ErrLoad) {
		t.Fatalf("ReadCheckpoint on empty dir err = %v, want ErrLoad", err)
	}
}

func TestModelParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Params
	}{
		{name: "openai-community/gpt2", want: Params{ModelType: "gpt2", HiddenSize: 768, VocabSize: 50257}},
		{name: "mistralai/Mistral-7B-v0.1", want: Params{ModelType: "mistral", HiddenSize: 4096, VocabSize: 32000}},
		{name: "meta-llama/Llama-2-7b-hf", want: Params{ModelType: "llama", HiddenSize: 4096, VocabSize: 32000}},
	}
	for _, tt := range tests {
		got, err := ModelParams(tt.name)
		if err != nil {
			t.Fatalf("ModelParams(%q): %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("ModelParams(%q) (-want +got):\n%s", tt.name, diff)
		}
	}
	if _, err := ModelParams("bert-base"); !errors.Is(err, errdefs.ErrUnknownModelType) {
		t.Fatalf("ModelParams(bert-base) err = %v, want ErrUnknownModelType", err)
	}
}
