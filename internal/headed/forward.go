package headed

import (
	"context"
	"fmt"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/tensor"
)

// Inputs are the backbone inputs plus per-head labels. The flags follow the
// backbone config when nil.
type Inputs struct {
	InputIDs      [][]int
	AttentionMask [][]int
	PositionIDs   [][]int
	PastKeyValues backbone.Cache
	InputsEmbeds  *tensor.Tensor
	UseCache      bool

	OutputAttentions   *bool
	OutputHiddenStates *bool
	// ReturnDict asks for the backbone's structured output, which a headed
	// model cannot produce.
	ReturnDict bool

	// Labels are keyed by head name. Causal LM labels are [batch, seq].
	Labels map[string]*tensor.Tensor
}

// Output of a headed forward pass.
type Output struct {
	// Loss is the sum of LossByHead, zero when no head computed a loss.
	Loss          float32
	LossByHead    map[string]float32
	LogitsByHead  map[string]*tensor.Tensor
	PredsByHead   map[string]*tensor.Tensor
	PastKeyValues backbone.Cache
	HiddenStates  []*tensor.Tensor
	Attentions    []*tensor.Tensor
}

func flag(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

// Forward runs the backbone with every hidden state requested, feeds each
// head the hidden state its layer hook selects (auxiliary heads in
// configuration order, then the LM head) and adds up the losses of heads
// that declare a loss function and received a label.
func (m *Model) Forward(ctx context.Context, in Inputs) (*Output, error) {
	if in.ReturnDict {
		return nil, errdefs.ErrStructuredOutput
	}
	base := m.backbone.Config()
	wantHidden := flag(in.OutputHiddenStates, base.OutputHiddenStates)
	wantAttn := flag(in.OutputAttentions, base.OutputAttentions)

	bo, err := m.backbone.Forward(ctx, backbone.Inputs{
		InputIDs:           in.InputIDs,
		AttentionMask:      in.AttentionMask,
		PositionIDs:        in.PositionIDs,
		PastKeyValues:      in.PastKeyValues,
		InputsEmbeds:       in.InputsEmbeds,
		UseCache:           in.UseCache,
		OutputAttentions:   wantAttn,
		OutputHiddenStates: true,
	})
	if err != nil {
		return nil, err
	}

	out := &Output{
		LossByHead:    map[string]float32{},
		LogitsByHead:  map[string]*tensor.Tensor{},
		PredsByHead:   map[string]*tensor.Tensor{},
		PastKeyValues: bo.PastKeyValues,
	}
	for _, h := range m.OutputHeads() {
		idx := h.LayerIndex()
		if idx >= len(bo.HiddenStates) {
			return nil, fmt.Errorf("head %s: layer %d beyond %d hidden states", h.Name(), idx, len(bo.HiddenStates))
		}
		y, err := h.Forward(bo.HiddenStates[idx])
		if err != nil {
			return nil, err
		}
		cfg := h.HeadConfig()
		if cfg.IsRegression {
			out.PredsByHead[cfg.Name] = y
		} else {
			out.LogitsByHead[cfg.Name] = y
		}

		labels, ok := in.Labels[cfg.Name]
		if !ok || labels == nil || !cfg.HasLoss() {
			continue
		}
		loss, err := m.headLoss(cfg.Name, y, labels)
		if err != nil {
			return nil, err
		}
		out.LossByHead[cfg.Name] = loss
		out.Loss += loss
	}
	if wantHidden {
		out.HiddenStates = bo.HiddenStates
	}
	if wantAttn {
		out.Attentions = bo.Attentions
	}
	return out, nil
}

// headLoss aligns y with labels and evaluates the head's loss. Causal LM
// heads drop the last logit position and the first label position. The
// named label tensor is selected first and then flattened.
func (m *Model) headLoss(name string, y, labels *tensor.Tensor) (float32, error) {
	h, _ := m.Head(name)
	cfg := h.HeadConfig()
	fn, err := m.registry.Loss(*cfg.LossFct)
	if err != nil {
		return 0, err
	}

	pred, lab := y, labels
	if cfg.IsCausalLM {
		if y.Rank() < 2 || labels.Rank() < 1 {
			return 0, fmt.Errorf("head %s: causal LM needs [..., seq, vocab] logits and [..., seq] labels", name)
		}
		if pred, err = y.Narrow(-2, 0, y.Dim(-2)-1); err != nil {
			return 0, fmt.Errorf("head %s: shift logits: %w", name, err)
		}
		if lab, err = labels.Narrow(-1, 1, labels.Dim(-1)); err != nil {
			return 0, fmt.Errorf("head %s: shift labels: %w", name, err)
		}
	}
	if cfg.IsRegression {
		pred = pred.Flatten()
	} else {
		if pred, err = pred.View(-1, cfg.Outputs(m.vocabSize)); err != nil {
			return 0, fmt.Errorf("head %s: %w", name, err)
		}
	}
	loss, err := fn(pred, lab.Flatten().Data)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", name, err)
	}
	return loss, nil
}
