package logits

import (
	"context"
	"slices"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
)

type DecodeOptions struct {
	MaxNewTokens int
	StopTokens   []int
	Sampler      SamplerConfig
	// OnToken is called with every generated token.
	OnToken func(id int)
}

// Decode extends prompt token by token with the model's lm_head, reusing
// the backbone cache between steps. It stops at MaxNewTokens, a stop
// token (which is included) or the backbone's context limit, and returns
// only the generated tokens.
func Decode(ctx context.Context, m *headed.Model, prompt []int, opts DecodeOptions) ([]int, error) {
	if m.LMHead() == nil {
		return nil, errdefs.Configf("decode needs a %s head", head.LMHeadName)
	}
	if len(prompt) == 0 {
		return nil, errdefs.Configf("decode needs a non-empty prompt")
	}
	limit := opts.MaxNewTokens
	if maxPos := m.Config().MaxPositionEmbeddings; maxPos > 0 {
		limit = min(limit, maxPos-len(prompt))
	}
	sampler := NewSampler(opts.Sampler)
	hidden := false

	var (
		out     []int
		history = slices.Clone(prompt)
		step    = prompt
		in      = headed.Inputs{UseCache: true, OutputHiddenStates: &hidden}
	)
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		in.InputIDs = [][]int{step}
		res, err := m.Forward(ctx, in)
		if err != nil {
			return out, err
		}
		scores := res.LogitsByHead[head.LMHeadName]
		last := slices.Clone(scores.Data[len(scores.Data)-scores.Features():])
		id := sampler.Sample(last, history)

		out = append(out, id)
		history = append(history, id)
		if opts.OnToken != nil {
			opts.OnToken(id)
		}
		if slices.Contains(opts.StopTokens, id) {
			break
		}
		in.PastKeyValues = res.PastKeyValues
		step = []int{id}
	}
	return out, nil
}
