package nn

import (
	"fmt"

	"github.com/samcharles93/heads/internal/quant"
	"github.com/samcharles93/heads/internal/tensor"
)

// Linear is an affine map y = x·Wᵀ + b with W shaped [out, in].
//
// The weight may be replaced by a quantized copy, in which case it is frozen
// for good, and a low-rank adapter may be attached on top of either form.
type Linear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter

	Quantized *quant.Matrix
	Adapter   *LoRA
}

// NewLinear allocates a layer initialised like torch.nn.Linear:
// U(-1/sqrt(in), 1/sqrt(in)) for weight and bias.
func NewLinear(in, out int, bias bool, seed int64) *Linear {
	w := tensor.New(out, in)
	tensor.FillUniform(w, tensor.KaimingBound(in), seed)
	l := &Linear{In: in, Out: out, Weight: NewParameter(w)}
	if bias {
		b := tensor.New(out)
		tensor.FillUniform(b, tensor.KaimingBound(in), seed+1)
		l.Bias = NewParameter(b)
	}
	return l
}

// WeightTensor returns the effective float weight, dequantizing if needed.
func (l *Linear) WeightTensor() *tensor.Tensor {
	if l.Quantized != nil {
		return tensor.MustFromSlice(l.Quantized.Dequantize(), l.Out, l.In)
	}
	return l.Weight.Value
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var bias []float32
	if l.Bias != nil {
		bias = l.Bias.Value.Data
	}
	y, err := tensor.Linear(x, l.WeightTensor(), bias)
	if err != nil {
		return nil, err
	}
	if l.Adapter != nil {
		if err := l.Adapter.addTo(y, x); err != nil {
			return nil, err
		}
	}
	return y, nil
}

// Quantize replaces the float weight with a bits-wide blockwise copy. The
// weight parameter stays in the parameter list but is locked frozen.
func (l *Linear) Quantize(bits, blockSize int) error {
	if l.Quantized != nil {
		return nil
	}
	m, err := quant.Quantize(l.Weight.Value.Data, l.Out, l.In, bits, blockSize)
	if err != nil {
		return err
	}
	l.Quantized = m
	l.Weight.Value = nil
	l.Weight.Locked = true
	l.Weight.RequiresGrad = false
	return nil
}

// Parameters lists weight, bias and adapter matrices.
func (l *Linear) Parameters() []NamedParameter {
	params := []NamedParameter{{Name: "weight", Param: l.Weight}}
	if l.Bias != nil {
		params = append(params, NamedParameter{Name: "bias", Param: l.Bias})
	}
	if l.Adapter != nil {
		params = append(params,
			NamedParameter{Name: "lora_A.weight", Param: l.Adapter.A},
			NamedParameter{Name: "lora_B.weight", Param: l.Adapter.B},
		)
	}
	return params
}

// StateDict returns the base weights (not the adapter).
func (l *Linear) StateDict() StateDict {
	sd := StateDict{"weight": l.WeightTensor()}
	if l.Bias != nil {
		sd["bias"] = l.Bias.Value
	}
	return sd
}

// LoadStateDict copies weight (and bias when present) from sd. It reports
// whether the weight was found.
func (l *Linear) LoadStateDict(sd StateDict) (bool, error) {
	w, ok := sd["weight"]
	if !ok {
		return false, nil
	}
	if w.Rank() != 2 || w.Shape[0] != l.Out || w.Shape[1] != l.In {
		return false, fmt.Errorf("weight shape %v, want [%d %d]", w.Shape, l.Out, l.In)
	}
	if l.Quantized != nil {
		return false, fmt.Errorf("cannot load float weights into a quantized layer")
	}
	l.Weight.Value = w.Clone()
	if l.Bias != nil {
		if b, ok := sd["bias"]; ok {
			if b.Numel() != l.Out {
				return false, fmt.Errorf("bias has %d elements, want %d", b.Numel(), l.Out)
			}
			l.Bias.Value = b.Clone()
		}
	}
	return true, nil
}

// SetTraining toggles adapter dropout.
func (l *Linear) SetTraining(training bool) {
	if l.Adapter != nil {
		l.Adapter.Dropout.Training = training
	}
}

// NamedLinear is a linear sublayer addressed by its dotted module path.
type NamedLinear struct {
	Name   string
	Linear *Linear
}
