package logits

import "testing"

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	scores := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 5; i++ {
		a := s1.Sample(append([]float32(nil), scores...), nil)
		b := s2.Sample(append([]float32(nil), scores...), nil)
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	scores := []float32{-1, 5, 3, 7, 2}
	if idx := NewSampler(SamplerConfig{Temperature: 0}).Sample(scores, nil); idx != 3 {
		t.Fatalf("expected greedy index 3, got %d", idx)
	}
	if idx := NewSampler(SamplerConfig{Seed: 99, Temperature: 1.0, TopK: 1, TopP: 1.0}).Sample(scores, nil); idx != 3 {
		t.Fatalf("expected top-1 index 3, got %d", idx)
	}
}

func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	scores := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(append([]float32(nil), scores...), nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	t.Parallel()
	scores := []float32{5, 4.9, -10, -10}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopK: 4, MinP: 0.5})
	for i := 0; i < 50; i++ {
		if idx := s.Sample(append([]float32(nil), scores...), nil); idx > 1 {
			t.Fatalf("min-p kept unlikely index %d", idx)
		}
	}
}

func TestRepeatPenaltyChangesGreedyChoice(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Temperature: 0, RepeatPenalty: 2})
	scores := []float32{1, 3, 2}
	if idx := s.Sample(scores, []int{1, 1}); idx != 2 {
		t.Fatalf("expected penalised token to lose, got %d (scores %v)", idx, scores)
	}
}
