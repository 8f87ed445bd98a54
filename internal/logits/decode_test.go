package logits

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/toy"
)

func decodeModel(t *testing.T, withLM bool) *headed.Model {
	t.Helper()
	base := toy.DefaultConfig()
	base.HiddenSize = 16
	base.IntermediateSize = 32
	base.NumAttentionHeads = 2
	base.NumKeyValueHeads = 1
	base.VocabSize = 16
	base.MaxPositionEmbeddings = 12

	cls := head.Defaults()
	cls.Name = "topic"
	cls.LayerHook = -1
	cls.InSize = 16
	cls.NumOutputs = head.Ptr(4)
	heads := []head.Config{cls}
	if withLM {
		lm := head.Defaults()
		lm.Name = head.LMHeadName
		lm.LayerHook = -1
		lm.InSize = 16
		lm.IsCausalLM = true
		heads = append(heads, lm)
	}
	cfg, err := headed.FromBase(base, heads)
	if err != nil {
		t.Fatalf("FromBase: %v", err)
	}
	m, err := headed.New(cfg, headed.Options{Seed: 12})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// greedyWithoutCache recomputes the whole sequence every step.
func greedyWithoutCache(t *testing.T, m *headed.Model, prompt []int, n int) []int {
	t.Helper()
	seq := append([]int(nil), prompt...)
	var out []int
	for range n {
		res, err := m.Forward(context.Background(), headed.Inputs{InputIDs: [][]int{seq}})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		scores := res.LogitsByHead[head.LMHeadName]
		id := argmax(scores.Data[len(scores.Data)-scores.Features():])
		out = append(out, id)
		seq = append(seq, id)
	}
	return out
}

func TestDecodeMatchesUncachedGreedy(t *testing.T) {
	t.Parallel()

	m := decodeModel(t, true)
	prompt := []int{3, 1, 4}
	var streamed []int
	got, err := Decode(context.Background(), m, prompt, DecodeOptions{
		MaxNewTokens: 5,
		OnToken:      func(id int) { streamed = append(streamed, id) },
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := greedyWithoutCache(t, m, prompt, 5)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cached decode (-uncached +cached):\n%s", diff)
	}
	if diff := cmp.Diff(got, streamed); diff != "" {
		t.Fatalf("OnToken stream differs:\n%s", diff)
	}
}

func TestDecodeStopsAtStopTokenAndContext(t *testing.T) {
	t.Parallel()

	m := decodeModel(t, true)
	prompt := []int{2, 7}
	first := greedyWithoutCache(t, m, prompt, 1)[0]
	got, err := Decode(context.Background(), m, prompt, DecodeOptions{MaxNewTokens: 8, StopTokens: []int{first}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 || got[0] != first {
		t.Fatalf("expected to stop after stop token %d, got %v", first, got)
	}

	got, err = Decode(context.Background(), m, prompt, DecodeOptions{MaxNewTokens: 100})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 12-len(prompt) {
		t.Fatalf("generated %d tokens, want context limit %d", len(got), 12-len(prompt))
	}
}

func TestDecodeNeedsLMHead(t *testing.T) {
	t.Parallel()

	_, err := Decode(context.Background(), decodeModel(t, false), []int{1}, DecodeOptions{MaxNewTokens: 1})
	if !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestDecodeHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Decode(ctx, decodeModel(t, true), []int{1}, DecodeOptions{MaxNewTokens: 3})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
