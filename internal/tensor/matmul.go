package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes y = x·wᵀ + b over the rows of x.
//
// x has shape [..., in], w is [out, in] and b (optional) has length out.
// The result has shape [..., out].
func Linear(x, w *Tensor, b []float32) (*Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %v", w.Shape)
	}
	out, in := w.Shape[0], w.Shape[1]
	if x.Features() != in {
		return nil, fmt.Errorf("tensor: linear input has %d features, weight expects %d", x.Features(), in)
	}
	if b != nil && len(b) != out {
		return nil, fmt.Errorf("tensor: linear bias has %d elements, want %d", len(b), out)
	}
	shape := copyShape(x.Shape)
	if len(shape) == 0 {
		shape = []int{out}
	} else {
		shape[len(shape)-1] = out
	}
	y := New(shape...)
	rows := x.Rows()
	if rows == 0 || out == 0 {
		return y, nil
	}
	if b != nil {
		for r := 0; r < rows; r++ {
			copy(y.Data[r*out:(r+1)*out], b)
		}
	}
	beta := float32(0)
	if b != nil {
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(rows, in, x.Data),
		general(out, in, w.Data),
		beta,
		general(rows, out, y.Data),
	)
	return y, nil
}

// MatMul multiplies two rank-2 tensors, optionally transposing either.
func MatMul(a, b *Tensor, transA, transB bool) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("tensor: matmul needs rank-2 operands, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, fmt.Errorf("tensor: matmul inner dimensions differ: %v x %v", a.Shape, b.Shape)
	}
	c := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return c, nil
	}
	blas32.Gemm(transpose(transA), transpose(transB), 1,
		general(a.Shape[0], a.Shape[1], a.Data),
		general(b.Shape[0], b.Shape[1], b.Data),
		0,
		general(m, n, c.Data),
	)
	return c, nil
}

func general(r, c int, data []float32) blas32.General {
	return blas32.General{Rows: r, Cols: c, Stride: c, Data: data}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
