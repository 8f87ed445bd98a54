// Package tensor provides the dense float32 tensors that flow between the
// backbone, the heads and the loss functions.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major tensor of float32 values.
//
// The last dimension is the feature dimension: every operation that maps
// features (linear layers, activations, softmax) works on rows of length
// Shape[len(Shape)-1] and preserves all leading dimensions.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return &Tensor{Shape: copyShape(shape), Data: make([]float32, n)}
}

// FromSlice wraps data (without copying) in a tensor with the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor: invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: copyShape(shape), Data: data}, nil
}

// MustFromSlice is FromSlice for literals in tests and fixtures.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func (t *Tensor) Rank() int  { return len(t.Shape) }
func (t *Tensor) Numel() int { return len(t.Data) }

// Dim returns the size of dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		panic(fmt.Sprintf("tensor: dim %d out of range for rank %d", i, len(t.Shape)))
	}
	return t.Shape[i]
}

// Features is the size of the last dimension (1 for scalars).
func (t *Tensor) Features() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows is the product of all leading dimensions.
func (t *Tensor) Rows() int {
	f := t.Features()
	if f == 0 {
		return 0
	}
	return len(t.Data) / f
}

// Row returns a view of the i-th feature row.
func (t *Tensor) Row(i int) []float32 {
	f := t.Features()
	return t.Data[i*f : (i+1)*f]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: copyShape(t.Shape), Data: data}
}

// View returns a tensor sharing t's data with a new shape. At most one
// dimension may be -1 and is inferred.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	shape = copyShape(shape)
	infer := -1
	n := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: view %v has more than one inferred dimension", shape)
			}
			infer = i
		case d < 0:
			return nil, fmt.Errorf("tensor: invalid dimension %d in view %v", d, shape)
		default:
			n *= d
		}
	}
	if infer >= 0 {
		if n == 0 || len(t.Data)%n != 0 {
			return nil, fmt.Errorf("tensor: cannot view %v as %v", t.Shape, shape)
		}
		shape[infer] = len(t.Data) / n
		n *= shape[infer]
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("tensor: cannot view %v (%d elements) as %v", t.Shape, len(t.Data), shape)
	}
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Flatten returns a rank-1 view.
func (t *Tensor) Flatten() *Tensor {
	return &Tensor{Shape: []int{len(t.Data)}, Data: t.Data}
}

// Narrow copies the half-open range [from, to) of the given axis.
// Negative axes count from the end.
func (t *Tensor) Narrow(axis, from, to int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("tensor: axis out of range for shape %v", t.Shape)
	}
	size := t.Shape[axis]
	if from < 0 || to > size || from > to {
		return nil, fmt.Errorf("tensor: range [%d,%d) out of bounds for axis %d of shape %v", from, to, axis, t.Shape)
	}
	outer := 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}
	shape := copyShape(t.Shape)
	shape[axis] = to - from
	out := New(shape...)
	span := (to - from) * inner
	for o := 0; o < outer; o++ {
		src := t.Data[o*size*inner+from*inner:]
		copy(out.Data[o*span:(o+1)*span], src[:span])
	}
	return out, nil
}

// Apply returns a new tensor with fn applied element-wise.
func (t *Tensor) Apply(fn func(float32) float32) *Tensor {
	out := &Tensor{Shape: copyShape(t.Shape), Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports bit-exact equality of shape and data.
func Equal(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !SameShape(a, b) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v", t.Shape)
	if len(t.Data) <= 8 {
		fmt.Fprintf(&sb, "%v", t.Data)
	}
	return sb.String()
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
