// Package logits turns lm_head scores into tokens: a seeded sampler and a
// cached autoregressive decode loop over a headed model.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64   `yaml:"seed"`
	Temperature   float32 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float32 `yaml:"top_p"`
	MinP          float32 `yaml:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
	seen   map[int]struct{}
}

// NewSampler fills unset fields: a non-positive temperature means greedy
// decoding, TopK defaults to 40 and RepeatLastN to 64.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   map[int]struct{}{},
	}
}

func (s *Sampler) Greedy() bool { return s.greedy }

// Sample picks one index from scores, which it may modify in place:
//
//  1. Tokens in the last RepeatLastN entries of recent are penalised.
//  2. Greedy samplers, and TopK==1 with TopP>=1, return the argmax.
//  3. Otherwise the TopK scores are scaled by 1/Temperature and softmaxed.
//  4. MinP drops candidates below MinP times the best probability.
//  5. TopP truncates the shortlist at that cumulative probability.
//  6. A seeded uniform draw selects from what is left.
func (s *Sampler) Sample(scores []float32, recent []int) int {
	if s.cfg.RepeatPenalty > 1 && len(recent) > 0 {
		s.penalise(scores, recent[max(len(recent)-s.cfg.RepeatLastN, 0):])
	}
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return argmax(scores)
	}

	k := min(s.cfg.TopK, len(scores))
	topIdx, topVal := s.topK(scores, k, 1/s.cfg.Temperature)
	if len(topVal) == 0 {
		return 0
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - topVal[0]))
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n, kept := 0, 0.0
		for i := range prob {
			if prob[i] >= threshold {
				prob[n], topIdx[n] = prob[i], topIdx[i]
				kept += prob[i]
				n++
			}
		}
		prob, topIdx = prob[:n], topIdx[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) penalise(scores []float32, window []int) {
	clear(s.seen)
	for _, id := range window {
		if id < 0 || id >= len(scores) {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		if scores[id] > 0 {
			scores[id] /= s.cfg.RepeatPenalty
		} else {
			scores[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK returns the k largest scores times invTemp, largest first. It is
// O(V*K), fine for the small K used in sampling.
func (s *Sampler) topK(scores []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range scores {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
