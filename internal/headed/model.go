// Package headed composes a backbone with auxiliary prediction heads and an
// optional primary LM head, computes the multi-task loss and persists heads
// separately from the backbone.
package headed

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/lora"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/quant"
)

// BackboneSave selects what Save writes for the backbone.
type BackboneSave int

const (
	// SaveFull writes config.json and model.safetensors.
	SaveFull BackboneSave = iota
	// SaveAdapter writes only the low-rank adapter.
	SaveAdapter
	// SaveNone skips the backbone, for quantized weights.
	SaveNone
)

func (s BackboneSave) String() string {
	switch s {
	case SaveFull:
		return "full"
	case SaveAdapter:
		return "adapter"
	case SaveNone:
		return "none"
	}
	return fmt.Sprintf("BackboneSave(%d)", int(s))
}

type Options struct {
	// Registry resolves activation and loss tags; nn.Default when nil.
	Registry *nn.Registry
	// Seed drives the initialisation of fresh heads.
	Seed int64
}

// Model holds a backbone and its heads.
type Model struct {
	cfg       Config
	backbone  backbone.Backbone
	prefix    string
	vocabSize int
	registry  nn.Registry

	// order lists every head name, lm_head included, in configuration order.
	order  []string
	heads  *orderedmap.OrderedMap[string, *AuxiliaryHead]
	lmHead *PrimaryLMHead

	save    BackboneSave
	adapter *lora.Config

	// fromCheckpoint names heads whose weights LoadPretrained found.
	fromCheckpoint map[string]bool
}

// New builds the backbone registered for cfg.ModelType from the projected
// base configuration, then one head per entry of cfg.OutputHeads. A head
// named lm_head becomes the primary LM head.
func New(cfg Config, opts Options) (*Model, error) {
	reg := nn.Default
	if opts.Registry != nil {
		reg = *opts.Registry
	}
	if err := head.CheckUnique(cfg.OutputHeads); err != nil {
		return nil, err
	}
	bb, spec, err := backbone.New(cfg.ToBase())
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:       cfg,
		backbone:  bb,
		prefix:    spec.Prefix,
		vocabSize: cfg.VocabSize,
		registry:  reg,
		heads:     orderedmap.New[string, *AuxiliaryHead](),
	}
	numLayers := bb.Config().NumHiddenLayers
	for i, hc := range cfg.OutputHeads {
		layer, err := hc.ResolveLayerHook(numLayers)
		if err != nil {
			return nil, err
		}
		mlp, err := head.NewMLP(hc, m.vocabSize, reg, opts.Seed+int64(i+1)*1000)
		if err != nil {
			return nil, err
		}
		m.order = append(m.order, hc.Name)
		if hc.IsLMHead() {
			act, _ := reg.Activation(hc.OutputActivation)
			m.lmHead = &PrimaryLMHead{Config: mlp.Config, Linear: mlp.Lins[0], act: act, layer: layer}
			continue
		}
		m.heads.Set(hc.Name, &AuxiliaryHead{MLP: mlp, layer: layer})
	}
	m.cfg.OutputHeads = nil
	return m, nil
}

func (m *Model) Backbone() backbone.Backbone { return m.backbone }

// Prefix is the state-dict prefix of backbone parameters.
func (m *Model) Prefix() string { return m.prefix }

func (m *Model) VocabSize() int { return m.vocabSize }

func (m *Model) Registry() nn.Registry { return m.registry }

// Config returns the composite configuration with the current head flags.
func (m *Model) Config() Config {
	cfg := Config{Config: m.cfg.ToBase(), OutputHeads: m.HeadConfigs()}
	return cfg
}

// HeadConfigs lists the current head configurations in configuration order.
func (m *Model) HeadConfigs() []head.Config {
	out := make([]head.Config, 0, len(m.order))
	for _, name := range m.order {
		h, _ := m.Head(name)
		out = append(out, h.HeadConfig())
	}
	return out
}

// Heads returns the auxiliary heads in configuration order.
func (m *Model) Heads() []*AuxiliaryHead {
	out := make([]*AuxiliaryHead, 0, m.heads.Len())
	for pair := m.heads.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// LMHead is nil when no head named lm_head was configured.
func (m *Model) LMHead() *PrimaryLMHead { return m.lmHead }

// Head finds a head of either kind by name.
func (m *Model) Head(name string) (OutputHead, bool) {
	if m.lmHead != nil && name == m.lmHead.Name() {
		return m.lmHead, true
	}
	if h, ok := m.heads.Get(name); ok {
		return h, true
	}
	return nil, false
}

// OutputHeads lists every head in forward order: auxiliary heads first,
// then the LM head.
func (m *Model) OutputHeads() []OutputHead {
	out := make([]OutputHead, 0, len(m.order))
	for _, h := range m.Heads() {
		out = append(out, h)
	}
	if m.lmHead != nil {
		out = append(out, m.lmHead)
	}
	return out
}

// NamedLinears lists backbone linears under the backbone prefix, then head
// layers as heads.<name>.lins.<i>, then lm_head.
func (m *Model) NamedLinears() []nn.NamedLinear {
	var out []nn.NamedLinear
	for _, l := range m.backbone.Linears() {
		out = append(out, nn.NamedLinear{Name: m.prefix + "." + l.Name, Linear: l.Linear})
	}
	for _, h := range m.Heads() {
		for i, lin := range h.Lins {
			out = append(out, nn.NamedLinear{Name: fmt.Sprintf("heads.%s.lins.%d", h.Name(), i), Linear: lin})
		}
	}
	if m.lmHead != nil {
		out = append(out, nn.NamedLinear{Name: head.LMHeadName, Linear: m.lmHead.Linear})
	}
	return out
}

func (m *Model) backboneParameters() []nn.NamedParameter {
	return nn.Prefix(m.prefix, m.backbone.Parameters())
}

// NamedParameters lists every parameter with its state-dict path.
func (m *Model) NamedParameters() []nn.NamedParameter {
	params := m.backboneParameters()
	for _, h := range m.Heads() {
		params = append(params, nn.Prefix("heads."+h.Name(), h.Parameters())...)
	}
	if m.lmHead != nil {
		params = append(params, nn.Prefix(head.LMHeadName, m.lmHead.Parameters())...)
	}
	return params
}

func (m *Model) TrainableParameters() []nn.NamedParameter {
	return nn.Trainable(m.NamedParameters())
}

// FreezeBackbone disables gradients on every backbone parameter.
func (m *Model) FreezeBackbone() {
	nn.SetRequiresGrad(m.backboneParameters(), false)
}

// Quantize replaces the weights of every linear not covered by the skip
// list and returns how many layers were converted.
func (m *Model) Quantize(cfg *quant.Config) (int, error) {
	bits := cfg.Bits()
	if bits >= 16 {
		return 0, nil
	}
	n := 0
	for _, l := range m.NamedLinears() {
		if cfg.ShouldSkip(l.Name) {
			continue
		}
		if err := l.Linear.Quantize(bits, cfg.Block()); err != nil {
			return n, fmt.Errorf("quantize %s: %w", l.Name, err)
		}
		n++
	}
	m.cfg.Quantization = cfg
	return n, nil
}

// Quantized reports whether any backbone linear holds quantized weights.
func (m *Model) Quantized() bool {
	for _, l := range m.backbone.Linears() {
		if l.Linear.Quantized != nil {
			return true
		}
	}
	return false
}

// SetTraining toggles dropout in the backbone adapters and in every head.
func (m *Model) SetTraining(training bool) {
	m.backbone.SetTraining(training)
	for _, h := range m.Heads() {
		h.SetTraining(training)
	}
	if m.lmHead != nil {
		m.lmHead.Linear.SetTraining(training)
	}
}

// SetBackboneSave chooses the backbone step of Save. adapter is required
// for SaveAdapter.
func (m *Model) SetBackboneSave(mode BackboneSave, adapter *lora.Config) {
	m.save = mode
	m.adapter = adapter
}

func (m *Model) BackboneSaveMode() BackboneSave { return m.save }

// AdapterConfig is non-nil once an adapter has been attached or loaded.
func (m *Model) AdapterConfig() *lora.Config { return m.adapter }
