package tensor

import (
	"math"
	"testing"
)

func naiveLinear(x, w *Tensor, b []float32) []float32 {
	out, in := w.Shape[0], w.Shape[1]
	rows := x.Rows()
	y := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		for o := 0; o < out; o++ {
			var sum float32
			for i := 0; i < in; i++ {
				sum += x.Data[r*in+i] * w.Data[o*in+i]
			}
			if b != nil {
				sum += b[o]
			}
			y[r*out+o] = sum
		}
	}
	return y
}

func TestLinearMatchesNaive(t *testing.T) {
	t.Parallel()
	x := New(2, 3, 5)
	FillUniform(x, 1, 3)
	w := New(4, 5)
	FillUniform(w, 0.5, 7)
	b := []float32{0.1, -0.2, 0.3, 0}

	for _, bias := range [][]float32{nil, b} {
		y, err := Linear(x, w, bias)
		if err != nil {
			t.Fatalf("Linear: %v", err)
		}
		if y.Rank() != 3 || y.Shape[0] != 2 || y.Shape[1] != 3 || y.Shape[2] != 4 {
			t.Fatalf("unexpected output shape %v", y.Shape)
		}
		ref := naiveLinear(x, w, bias)
		for i := range ref {
			if math.Abs(float64(y.Data[i]-ref[i])) > 1e-5 {
				t.Fatalf("mismatch at %d: got %f want %f", i, y.Data[i], ref[i])
			}
		}
	}
}

func TestLinearRejectsFeatureMismatch(t *testing.T) {
	t.Parallel()
	if _, err := Linear(New(2, 3), New(4, 5), nil); err == nil {
		t.Fatal("expected error for mismatched features")
	}
}

func TestMatMulTranspose(t *testing.T) {
	t.Parallel()
	a := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := MustFromSlice([]float32{1, 0, 0, 1, 1, 1}, 2, 3)
	c, err := MatMul(a, b, false, true)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want := []float32{1, 6, 4, 15}
	for i, v := range want {
		if c.Data[i] != v {
			t.Fatalf("c[%d] = %f, want %f", i, c.Data[i], v)
		}
	}
}

func TestViewInfersDimension(t *testing.T) {
	t.Parallel()
	x := New(2, 3, 4)
	v, err := x.View(-1, 4)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Shape[0] != 6 || v.Shape[1] != 4 {
		t.Fatalf("unexpected shape %v", v.Shape)
	}
	v.Data[0] = 42
	if x.Data[0] != 42 {
		t.Fatal("view must share data")
	}
	if _, err := x.View(5, -1); err == nil {
		t.Fatal("expected error for incompatible view")
	}
}

func TestNarrowSequenceAxis(t *testing.T) {
	t.Parallel()
	// [batch=2, seq=3, feat=2]
	x := MustFromSlice([]float32{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11,
	}, 2, 3, 2)
	head, err := x.Narrow(-2, 0, 2)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	want := []float32{0, 1, 2, 3, 6, 7, 8, 9}
	for i, v := range want {
		if head.Data[i] != v {
			t.Fatalf("head[%d] = %f, want %f", i, head.Data[i], v)
		}
	}
	tail, err := x.Narrow(1, 1, 3)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	want = []float32{2, 3, 4, 5, 8, 9, 10, 11}
	for i, v := range want {
		if tail.Data[i] != v {
			t.Fatalf("tail[%d] = %f, want %f", i, tail.Data[i], v)
		}
	}
}

func TestSoftmaxAndLogSumExp(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3}
	lse := LogSumExp(x)
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("softmax sum = %f", sum)
	}
	want := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	if math.Abs(lse-want) > 1e-9 {
		t.Fatalf("LogSumExp = %f, want %f", lse, want)
	}
}

func TestFillUniformDeterministic(t *testing.T) {
	t.Parallel()
	a, b := New(10), New(10)
	FillUniform(a, KaimingBound(4), 9)
	FillUniform(b, KaimingBound(4), 9)
	if !Equal(a, b) {
		t.Fatal("same seed must produce identical tensors")
	}
	for _, v := range a.Data {
		if v < -0.5 || v > 0.5 {
			t.Fatalf("value %f outside bound", v)
		}
	}
}
