package nn

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/heads/internal/tensor"
)

// Dropout zeroes inputs with probability P while Training is set and
// rescales the survivors by 1/(1-P). It is the identity in eval mode.
type Dropout struct {
	P        float32
	Training bool
	rng      *rand.Rand
}

func NewDropout(p float32, seed int64) Dropout {
	return Dropout{P: p, rng: rand.New(rand.NewSource(seed))}
}

func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	if !d.Training || d.P <= 0 {
		return x
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(1))
	}
	out := tensor.New(x.Shape...)
	if d.P >= 1 {
		return out
	}
	keep := 1 / (1 - d.P)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.P {
			out.Data[i] = v * keep
		}
	}
	return out
}

// Embedding maps token ids to rows of a [vocab, hidden] table.
type Embedding struct {
	Weight *Parameter
}

func NewEmbedding(vocab, hidden int, seed int64) *Embedding {
	w := tensor.New(vocab, hidden)
	tensor.FillUniform(w, 0.02, seed)
	return &Embedding{Weight: NewParameter(w)}
}

func (e *Embedding) Vocab() int  { return e.Weight.Value.Dim(0) }
func (e *Embedding) Hidden() int { return e.Weight.Value.Dim(1) }

// Forward looks up ids (shape [batch][seq]) and returns [batch, seq, hidden].
func (e *Embedding) Forward(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("embedding: empty batch")
	}
	seq := len(ids[0])
	hidden := e.Hidden()
	out := tensor.New(len(ids), seq, hidden)
	for b, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("embedding: ragged batch, row %d has %d tokens, want %d", b, len(row), seq)
		}
		for s, id := range row {
			if id < 0 || id >= e.Vocab() {
				return nil, fmt.Errorf("embedding: token id %d out of range [0,%d)", id, e.Vocab())
			}
			copy(out.Data[(b*seq+s)*hidden:(b*seq+s+1)*hidden], e.Weight.Value.Row(id))
		}
	}
	return out, nil
}

// RMSNorm normalises the last axis by its root mean square and scales by Weight.
type RMSNorm struct {
	Weight *Parameter
	Eps    float32
}

func NewRMSNorm(hidden int, eps float32) *RMSNorm {
	return &RMSNorm{Weight: NewParameter(tensor.Full(1, hidden)), Eps: eps}
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h := n.Weight.Value.Numel()
	if x.Features() != h {
		return nil, fmt.Errorf("rmsnorm: input has %d features, want %d", x.Features(), h)
	}
	out := tensor.New(x.Shape...)
	for r := 0; r < x.Rows(); r++ {
		tensor.RMSNorm(out.Row(r), x.Row(r), n.Weight.Value.Data, n.Eps)
	}
	return out, nil
}
