// Package toy is a small llama-style decoder: pre-norm blocks of grouped
// query attention with rotary positions and a SiLU-gated MLP. It is the
// reference backbone for tests and for the CLI, and is registered for the
// toy, llama and mistral model types.
package toy

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/nn"
)

func init() {
	for _, mt := range []string{"toy", "llama", "mistral"} {
		backbone.Register(backbone.Spec{ModelType: mt, Prefix: "model", New: factory})
	}
}

func factory(cfg backbone.Config) (backbone.Backbone, error) {
	return NewRandom(cfg, 0)
}

type Attention struct {
	Q, K, V, O *nn.Linear
}

type MLP struct {
	Gate, Up, Down *nn.Linear
}

type Layer struct {
	InputNorm    *nn.RMSNorm
	Attn         Attention
	PostAttnNorm *nn.RMSNorm
	MLP          MLP
}

// Decoder implements backbone.Backbone.
type Decoder struct {
	cfg    backbone.Config
	Embed  *nn.Embedding
	Layers []Layer
	Norm   *nn.RMSNorm

	invFreq []float64
}

// DefaultConfig is the configuration `heads toy-init` starts from.
func DefaultConfig() backbone.Config {
	return backbone.Config{
		ModelType:             "toy",
		Architectures:         []string{"ToyForCausalLM"},
		HiddenSize:            32,
		IntermediateSize:      64,
		NumHiddenLayers:       2,
		NumAttentionHeads:     4,
		NumKeyValueHeads:      2,
		VocabSize:             128,
		MaxPositionEmbeddings: 256,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		TorchDType:            "float32",
	}
}

// NewRandom builds a decoder with weights drawn deterministically from seed.
func NewRandom(cfg backbone.Config, seed int64) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	qDim := cfg.NumAttentionHeads * cfg.HeadSize()
	kvDim := cfg.KVHeads() * cfg.HeadSize()
	next := func() int64 { seed++; return seed }

	d := &Decoder{
		cfg:   cfg.Clone(),
		Embed: nn.NewEmbedding(cfg.VocabSize, h, next()),
		Norm:  nn.NewRMSNorm(h, cfg.Eps()),
	}
	for range cfg.NumHiddenLayers {
		d.Layers = append(d.Layers, Layer{
			InputNorm: nn.NewRMSNorm(h, cfg.Eps()),
			Attn: Attention{
				Q: nn.NewLinear(h, qDim, false, next()),
				K: nn.NewLinear(h, kvDim, false, next()),
				V: nn.NewLinear(h, kvDim, false, next()),
				O: nn.NewLinear(qDim, h, false, next()),
			},
			PostAttnNorm: nn.NewRMSNorm(h, cfg.Eps()),
			MLP: MLP{
				Gate: nn.NewLinear(h, cfg.IntermediateSize, false, next()),
				Up:   nn.NewLinear(h, cfg.IntermediateSize, false, next()),
				Down: nn.NewLinear(cfg.IntermediateSize, h, false, next()),
			},
		})
	}
	d.invFreq = ropeInvFreq(cfg.HeadSize(), cfg.Theta())
	return d, nil
}

func (d *Decoder) Config() backbone.Config { return d.cfg.Clone() }

func (d *Decoder) InputEmbeddings() *nn.Embedding { return d.Embed }

func (d *Decoder) SetInputEmbeddings(e *nn.Embedding) error {
	if e == nil || e.Hidden() != d.cfg.HiddenSize {
		return fmt.Errorf("toy: embeddings must have hidden size %d", d.cfg.HiddenSize)
	}
	d.Embed = e
	return nil
}

func (d *Decoder) Linears() []nn.NamedLinear {
	var out []nn.NamedLinear
	for i := range d.Layers {
		l := &d.Layers[i]
		p := "layers." + strconv.Itoa(i)
		out = append(out,
			nn.NamedLinear{Name: p + ".self_attn.q_proj", Linear: l.Attn.Q},
			nn.NamedLinear{Name: p + ".self_attn.k_proj", Linear: l.Attn.K},
			nn.NamedLinear{Name: p + ".self_attn.v_proj", Linear: l.Attn.V},
			nn.NamedLinear{Name: p + ".self_attn.o_proj", Linear: l.Attn.O},
			nn.NamedLinear{Name: p + ".mlp.gate_proj", Linear: l.MLP.Gate},
			nn.NamedLinear{Name: p + ".mlp.up_proj", Linear: l.MLP.Up},
			nn.NamedLinear{Name: p + ".mlp.down_proj", Linear: l.MLP.Down},
		)
	}
	return out
}

type namedNorm struct {
	name string
	norm *nn.RMSNorm
}

func (d *Decoder) norms() []namedNorm {
	var out []namedNorm
	for i := range d.Layers {
		p := "layers." + strconv.Itoa(i)
		out = append(out,
			namedNorm{p + ".input_layernorm", d.Layers[i].InputNorm},
			namedNorm{p + ".post_attention_layernorm", d.Layers[i].PostAttnNorm},
		)
	}
	return append(out, namedNorm{"norm", d.Norm})
}

func (d *Decoder) Parameters() []nn.NamedParameter {
	params := []nn.NamedParameter{{Name: "embed_tokens.weight", Param: d.Embed.Weight}}
	for _, l := range d.Linears() {
		params = append(params, nn.Prefix(l.Name, l.Linear.Parameters())...)
	}
	for _, n := range d.norms() {
		params = append(params, nn.NamedParameter{Name: n.name + ".weight", Param: n.norm.Weight})
	}
	return params
}

func (d *Decoder) StateDict() nn.StateDict {
	sd := nn.StateDict{"embed_tokens.weight": d.Embed.Weight.Value}
	for _, l := range d.Linears() {
		sd.Merge(l.Name, l.Linear.StateDict())
	}
	for _, n := range d.norms() {
		sd[n.name+".weight"] = n.norm.Weight.Value
	}
	return sd
}

func (d *Decoder) LoadStateDict(sd nn.StateDict) ([]string, error) {
	var missing []string
	if w, ok := sd["embed_tokens.weight"]; ok {
		if w.Rank() != 2 || w.Dim(0) != d.cfg.VocabSize || w.Dim(1) != d.cfg.HiddenSize {
			return nil, fmt.Errorf("toy: embed_tokens.weight has shape %v", w.Shape)
		}
		d.Embed.Weight.Value = w.Clone()
	} else {
		missing = append(missing, "embed_tokens.weight")
	}
	for _, l := range d.Linears() {
		ok, err := l.Linear.LoadStateDict(sd.Sub(l.Name))
		if err != nil {
			return nil, fmt.Errorf("toy: %s: %w", l.Name, err)
		}
		if !ok {
			missing = append(missing, l.Name+".weight")
		}
	}
	for _, n := range d.norms() {
		w, ok := sd[n.name+".weight"]
		if !ok {
			missing = append(missing, n.name+".weight")
			continue
		}
		if w.Numel() != d.cfg.HiddenSize {
			return nil, fmt.Errorf("toy: %s.weight has %d elements", n.name, w.Numel())
		}
		n.norm.Weight.Value = w.Clone()
	}
	return missing, nil
}

func (d *Decoder) SetTraining(training bool) {
	for _, l := range d.Linears() {
		l.Linear.SetTraining(training)
	}
}
