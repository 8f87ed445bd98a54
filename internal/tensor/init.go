package tensor

import (
	"math"
	"math/rand"
)

// FillUniform fills t with values drawn from U(-bound, bound). The same seed
// always produces the same tensor.
func FillUniform(t *Tensor, bound float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}

// KaimingBound is the U(-b, b) bound torch uses for Linear weights and
// biases: 1/sqrt(fan_in).
func KaimingBound(fanIn int) float32 {
	if fanIn <= 0 {
		return 0
	}
	return float32(1 / math.Sqrt(float64(fanIn)))
}
