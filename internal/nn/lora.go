package nn

import (
	"fmt"

	"github.com/samcharles93/heads/internal/tensor"
)

// LoRA is a low-rank update B·A added to a frozen linear layer, scaled by
// Alpha/Rank. A is [rank, in], B is [out, rank].
type LoRA struct {
	Rank    int
	Alpha   float32
	A       *Parameter
	B       *Parameter
	Dropout Dropout
}

// NewLoRA initialises A like a linear layer and B with zeros, so a fresh
// adapter leaves the layer output unchanged.
func NewLoRA(in, out, rank int, alpha, dropout float32, seed int64) *LoRA {
	a := tensor.New(rank, in)
	tensor.FillUniform(a, tensor.KaimingBound(in), seed)
	return &LoRA{
		Rank:    rank,
		Alpha:   alpha,
		A:       NewParameter(a),
		B:       NewParameter(tensor.New(out, rank)),
		Dropout: NewDropout(dropout, seed+1),
	}
}

func (a *LoRA) Scale() float32 {
	if a.Rank == 0 {
		return 0
	}
	return a.Alpha / float32(a.Rank)
}

func (a *LoRA) addTo(y, x *tensor.Tensor) error {
	h, err := tensor.Linear(a.Dropout.Forward(x), a.A.Value, nil)
	if err != nil {
		return fmt.Errorf("lora A: %w", err)
	}
	d, err := tensor.Linear(h, a.B.Value, nil)
	if err != nil {
		return fmt.Errorf("lora B: %w", err)
	}
	s := a.Scale()
	for i, v := range d.Data {
		y.Data[i] += s * v
	}
	return nil
}
