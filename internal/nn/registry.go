package nn

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/tensor"
)

// IgnoreIndex marks cross-entropy targets that contribute nothing to the loss.
const IgnoreIndex = -100

// ActivationFunc is an elementwise nonlinearity.
type ActivationFunc func(float32) float32

// LossFunc reduces predictions against flat labels to a scalar (mean
// reduction). Predictions are either flat or shaped [N, C].
type LossFunc func(pred *tensor.Tensor, labels []float32) (float32, error)

// Registry maps configuration tags to activation and loss functions. A
// Registry is never mutated after construction; With* return copies.
type Registry struct {
	activations map[string]ActivationFunc
	losses      map[string]LossFunc
}

// Default holds the built-in tags.
var Default = NewRegistry()

func NewRegistry() Registry {
	return Registry{
		activations: map[string]ActivationFunc{
			"sigmoid": tensor.Sigmoid,
			"linear":  tensor.Identity,
			"relu":    tensor.ReLU,
		},
		losses: map[string]LossFunc{
			"mse":           MSELoss,
			"cross_entropy": CrossEntropyLoss,
			"bce":           BCELoss,
		},
	}
}

// WithActivation returns a copy of r with tag bound to fn.
func (r Registry) WithActivation(tag string, fn ActivationFunc) Registry {
	out := Registry{activations: maps.Clone(r.activations), losses: r.losses}
	out.activations[tag] = fn
	return out
}

// WithLoss returns a copy of r with tag bound to fn.
func (r Registry) WithLoss(tag string, fn LossFunc) Registry {
	out := Registry{activations: r.activations, losses: maps.Clone(r.losses)}
	out.losses[tag] = fn
	return out
}

func (r Registry) Activation(tag string) (ActivationFunc, error) {
	fn, ok := r.activations[tag]
	if !ok {
		return nil, errdefs.Configf("unknown activation %q (available: %v)", tag, r.ActivationTags())
	}
	return fn, nil
}

func (r Registry) Loss(tag string) (LossFunc, error) {
	fn, ok := r.losses[tag]
	if !ok {
		return nil, errdefs.Configf("unknown loss %q (available: %v)", tag, r.LossTags())
	}
	return fn, nil
}

func (r Registry) ActivationTags() []string {
	return slices.Sorted(maps.Keys(r.activations))
}

func (r Registry) LossTags() []string {
	return slices.Sorted(maps.Keys(r.losses))
}

// MSELoss is mean((pred - label)^2) over all elements.
func MSELoss(pred *tensor.Tensor, labels []float32) (float32, error) {
	if pred.Numel() != len(labels) {
		return 0, fmt.Errorf("mse: %d predictions for %d labels", pred.Numel(), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	var sum float64
	for i, p := range pred.Data {
		d := float64(p) - float64(labels[i])
		sum += d * d
	}
	return float32(sum / float64(len(labels))), nil
}

// CrossEntropyLoss treats pred as [N, C] logits and labels as N class
// indices. Targets equal to IgnoreIndex are skipped; the mean is taken over
// the rest and is zero when every target is ignored.
func CrossEntropyLoss(pred *tensor.Tensor, labels []float32) (float32, error) {
	if pred.Rank() != 2 {
		return 0, fmt.Errorf("cross_entropy: predictions must be [N, C], got %v", pred.Shape)
	}
	n, c := pred.Shape[0], pred.Shape[1]
	if n != len(labels) {
		return 0, fmt.Errorf("cross_entropy: %d rows for %d labels", n, len(labels))
	}
	var sum float64
	count := 0
	for i, l := range labels {
		target := int(l)
		if float32(target) == l && target == IgnoreIndex {
			continue
		}
		if target < 0 || target >= c || float32(target) != l {
			return 0, fmt.Errorf("cross_entropy: label %v at row %d is not a class in [0,%d)", l, i, c)
		}
		row := pred.Row(i)
		sum += tensor.LogSumExp(row) - float64(row[target])
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return float32(sum / float64(count)), nil
}

// BCELoss is binary cross entropy on probabilities with each log term
// clamped at -100.
func BCELoss(pred *tensor.Tensor, labels []float32) (float32, error) {
	if pred.Numel() != len(labels) {
		return 0, fmt.Errorf("bce: %d predictions for %d labels", pred.Numel(), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	var sum float64
	for i, p := range pred.Data {
		if p < 0 || p > 1 {
			return 0, fmt.Errorf("bce: prediction %v at %d is not a probability", p, i)
		}
		y := float64(labels[i])
		sum -= y*clampLog(float64(p)) + (1-y)*clampLog(1-float64(p))
	}
	return float32(sum / float64(len(labels))), nil
}

func clampLog(x float64) float64 {
	return max(math.Log(x), -100)
}
