package lora

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/tensor"
)

func testLinears() []nn.NamedLinear {
	return []nn.NamedLinear{
		{Name: "model.layers.0.self_attn.q_proj", Linear: nn.NewLinear(8, 8, false, 1)},
		{Name: "model.layers.0.self_attn.v_proj", Linear: nn.NewLinear(8, 4, false, 2)},
		{Name: "model.layers.0.mlp.down_proj", Linear: nn.NewLinear(16, 8, false, 3)},
		{Name: "heads.sentiment.lins.0", Linear: nn.NewLinear(8, 2, true, 4)},
		{Name: "lm_head", Linear: nn.NewLinear(8, 32, false, 5)},
	}
}

func TestFindAllLinearNames(t *testing.T) {
	t.Parallel()

	linears := testLinears()
	got := FindAllLinearNames(32, linears, []string{"heads"})
	if diff := cmp.Diff([]string{"down_proj", "q_proj", "v_proj"}, got); diff != "" {
		t.Fatalf("float names (-want +got):\n%s", diff)
	}

	if err := linears[0].Linear.Quantize(4, 8); err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	got = FindAllLinearNames(4, linears, []string{"heads"})
	if diff := cmp.Diff([]string{"q_proj"}, got); diff != "" {
		t.Fatalf("quantized names (-want +got):\n%s", diff)
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	targets := []string{"q_proj", "model.layers.0.mlp.down_proj"}
	for name, want := range map[string]bool{
		"model.layers.3.self_attn.q_proj":  true,
		"model.layers.0.mlp.down_proj":     true,
		"model.layers.1.mlp.down_proj":     false,
		"model.layers.0.self_attn.qq_proj": false,
	} {
		if got := Matches(name, targets); got != want {
			t.Fatalf("Matches(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestAttachAndFreeze(t *testing.T) {
	t.Parallel()

	linears := testLinears()
	cfg := DefaultConfig()
	cfg.TargetModules = []string{"q_proj", "v_proj"}
	adapted, err := Attach(linears, cfg, 1)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if diff := cmp.Diff([]string{"model.layers.0.self_attn.q_proj", "model.layers.0.self_attn.v_proj"}, adapted); diff != "" {
		t.Fatalf("adapted (-want +got):\n%s", diff)
	}

	var params []nn.NamedParameter
	for _, l := range linears {
		params = append(params, nn.Prefix(l.Name, l.Linear.Parameters())...)
	}
	PrepareForKbitTraining(params)
	if n := len(nn.Trainable(params)); n != 0 {
		t.Fatalf("%d params trainable after prepare", n)
	}
	if n := UnfreezeAdapters(params); n != 4 {
		t.Fatalf("unfroze %d adapter params, want 4", n)
	}

	cfg.TargetModules = []string{"k_proj"}
	if _, err := Attach(testLinears(), cfg, 1); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("Attach with no match err = %v, want ErrConfiguration", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := testLinears()
	cfg := DefaultConfig()
	cfg.BaseModelNameOrPath = "toy-base"
	cfg.TargetModules = []string{"q_proj", "down_proj"}
	if _, err := Attach(src, cfg, 7); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	// A trained adapter has a non-zero B.
	tensor.FillUniform(src[0].Linear.Adapter.B.Value, 0.1, 3)
	if err := Save(dir, cfg, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sd := StateDict(src)
	if _, ok := sd["base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight"]; !ok {
		t.Fatalf("adapter keys = %v", sd)
	}

	dst := testLinears()
	got, err := Load(dir, dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("config round trip (-want +got):\n%s", diff)
	}
	x := tensor.New(2, 8)
	tensor.FillUniform(x, 1, 9)
	want, _ := src[0].Linear.Forward(x)
	out, _ := dst[0].Linear.Forward(x)
	if !tensor.Equal(want, out) {
		t.Fatalf("restored adapter output differs")
	}
	if dst[1].Linear.Adapter != nil {
		t.Fatalf("v_proj gained an adapter")
	}
}

func TestLoadMissingConfig(t *testing.T) {
	t.Parallel()

	if _, err := Load(t.TempDir(), testLinears()); !errors.Is(err, errdefs.ErrLoad) {
		t.Fatalf("Load err = %v, want ErrLoad", err)
	}
}
