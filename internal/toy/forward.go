package toy

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/tensor"
)

// Cache holds per layer, per batch row keys and values laid out as
// [position][kv_heads*head_dim].
type Cache struct {
	keys   [][][]float32
	values [][][]float32
	n      int
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.n
}

func newCache(layers, batch int) *Cache {
	c := &Cache{keys: make([][][]float32, layers), values: make([][][]float32, layers)}
	for i := range layers {
		c.keys[i] = make([][]float32, batch)
		c.values[i] = make([][]float32, batch)
	}
	return c
}

func ropeInvFreq(headDim int, theta float64) []float64 {
	half := headDim / 2
	inv := make([]float64, half)
	for i := range half {
		inv[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return inv
}

// applyRope rotates every head of vec in place for position pos using the
// rotate-half pairing (i, i+head_dim/2).
func (d *Decoder) applyRope(vec []float32, heads, pos int) {
	hd := d.cfg.HeadSize()
	half := hd / 2
	for h := range heads {
		v := vec[h*hd : (h+1)*hd]
		for i := range half {
			angle := float64(pos) * d.invFreq[i]
			cos, sin := float32(math.Cos(angle)), float32(math.Sin(angle))
			a, b := v[i], v[i+half]
			v[i] = a*cos - b*sin
			v[i+half] = b*cos + a*sin
		}
	}
}

func (d *Decoder) embed(in backbone.Inputs) (*tensor.Tensor, error) {
	switch {
	case in.InputsEmbeds != nil && in.InputIDs != nil:
		return nil, fmt.Errorf("toy: specify either input ids or input embeddings, not both")
	case in.InputsEmbeds != nil:
		e := in.InputsEmbeds
		if e.Rank() != 3 || e.Dim(2) != d.cfg.HiddenSize {
			return nil, fmt.Errorf("toy: input embeddings must be [batch, seq, %d], got %v", d.cfg.HiddenSize, e.Shape)
		}
		return e.Clone(), nil
	case in.InputIDs != nil:
		return d.Embed.Forward(in.InputIDs)
	}
	return nil, fmt.Errorf("toy: no inputs")
}

// visibility resolves the attention mask into per-row key visibility over
// past+seq positions.
func visibility(mask [][]int, batch, past, seq int) ([][]bool, error) {
	total := past + seq
	vis := make([][]bool, batch)
	for b := range batch {
		vis[b] = make([]bool, total)
		for t := range vis[b] {
			vis[b][t] = true
		}
	}
	if mask == nil {
		return vis, nil
	}
	if len(mask) != batch {
		return nil, fmt.Errorf("toy: attention mask has %d rows, want %d", len(mask), batch)
	}
	for b, row := range mask {
		off := 0
		switch len(row) {
		case total:
		case seq:
			off = past
		default:
			return nil, fmt.Errorf("toy: attention mask row %d has length %d, want %d or %d", b, len(row), seq, total)
		}
		for i, m := range row {
			vis[b][off+i] = m != 0
		}
	}
	return vis, nil
}

func positions(ids [][]int, batch, past, seq int) ([][]int, error) {
	if ids == nil {
		out := make([][]int, batch)
		for b := range out {
			out[b] = make([]int, seq)
			for s := range seq {
				out[b][s] = past + s
			}
		}
		return out, nil
	}
	if len(ids) != batch {
		return nil, fmt.Errorf("toy: position ids have %d rows, want %d", len(ids), batch)
	}
	for b, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("toy: position ids row %d has length %d, want %d", b, len(row), seq)
		}
	}
	return ids, nil
}

func residual(x, delta *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	tensor.Add(out.Data, delta.Data)
	return out
}

// Forward runs the decoder. The final norm is applied to the last hidden
// state, so the last entry of HiddenStates is normalised.
func (d *Decoder) Forward(ctx context.Context, in backbone.Inputs) (*backbone.Outputs, error) {
	x, err := d.embed(in)
	if err != nil {
		return nil, err
	}
	batch, seq := x.Dim(0), x.Dim(1)

	var past *Cache
	if in.PastKeyValues != nil {
		c, ok := in.PastKeyValues.(*Cache)
		if !ok {
			return nil, fmt.Errorf("toy: unsupported cache type %T", in.PastKeyValues)
		}
		if len(c.keys) != len(d.Layers) || (len(c.keys) > 0 && len(c.keys[0]) != batch) {
			return nil, fmt.Errorf("toy: cache does not match %d layers and batch %d", len(d.Layers), batch)
		}
		past = c
	}
	pastLen := past.Len()
	if maxPos := d.cfg.MaxPositionEmbeddings; maxPos > 0 && pastLen+seq > maxPos {
		return nil, fmt.Errorf("toy: context length exceeded: %d > %d", pastLen+seq, maxPos)
	}
	pos, err := positions(in.PositionIDs, batch, pastLen, seq)
	if err != nil {
		return nil, err
	}
	vis, err := visibility(in.AttentionMask, batch, pastLen, seq)
	if err != nil {
		return nil, err
	}

	var next *Cache
	if in.UseCache {
		next = newCache(len(d.Layers), batch)
		next.n = pastLen + seq
	}
	out := &backbone.Outputs{}
	if in.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, x)
	}
	for li := range d.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := &d.Layers[li]

		h, err := layer.InputNorm.Forward(x)
		if err != nil {
			return nil, err
		}
		attnOut, probs, err := d.attention(li, layer, h, past, next, pos, vis, in.OutputAttentions)
		if err != nil {
			return nil, fmt.Errorf("toy: layer %d attention: %w", li, err)
		}
		x = residual(x, attnOut)

		h, err = layer.PostAttnNorm.Forward(x)
		if err != nil {
			return nil, err
		}
		mlpOut, err := layer.MLP.forward(h)
		if err != nil {
			return nil, fmt.Errorf("toy: layer %d mlp: %w", li, err)
		}
		x = residual(x, mlpOut)

		if li == len(d.Layers)-1 {
			if x, err = d.Norm.Forward(x); err != nil {
				return nil, err
			}
		}
		if in.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, x)
		}
		if in.OutputAttentions {
			out.Attentions = append(out.Attentions, probs)
		}
	}
	out.LastHiddenState = x
	if next != nil {
		out.PastKeyValues = next
	}
	return out, nil
}

func (m MLP) forward(h *tensor.Tensor) (*tensor.Tensor, error) {
	gate, err := m.Gate.Forward(h)
	if err != nil {
		return nil, err
	}
	up, err := m.Up.Forward(h)
	if err != nil {
		return nil, err
	}
	for i, g := range gate.Data {
		gate.Data[i] = tensor.Silu(g) * up.Data[i]
	}
	return m.Down.Forward(gate)
}

func (d *Decoder) attention(li int, layer *Layer, h *tensor.Tensor, past, next *Cache, pos [][]int, vis [][]bool, wantProbs bool) (*tensor.Tensor, *tensor.Tensor, error) {
	q, err := layer.Attn.Q.Forward(h)
	if err != nil {
		return nil, nil, err
	}
	k, err := layer.Attn.K.Forward(h)
	if err != nil {
		return nil, nil, err
	}
	v, err := layer.Attn.V.Forward(h)
	if err != nil {
		return nil, nil, err
	}

	batch, seq := h.Dim(0), h.Dim(1)
	nHead, kvHeads, hd := d.cfg.NumAttentionHeads, d.cfg.KVHeads(), d.cfg.HeadSize()
	kvDim := kvHeads * hd
	pastLen := past.Len()
	total := pastLen + seq
	scale := float32(1 / math.Sqrt(float64(hd)))

	attnOut := tensor.New(batch, seq, nHead*hd)
	var probs *tensor.Tensor
	if wantProbs {
		probs = tensor.New(batch, nHead, seq, total)
	}
	scores := make([]float32, total)
	idx := make([]int, 0, total)

	for b := range batch {
		for s := range seq {
			row := b*seq + s
			d.applyRope(q.Row(row), nHead, pos[b][s])
			d.applyRope(k.Row(row), kvHeads, pos[b][s])
		}
		keys := make([]float32, 0, total*kvDim)
		values := make([]float32, 0, total*kvDim)
		if past != nil {
			keys = append(keys, past.keys[li][b]...)
			values = append(values, past.values[li][b]...)
		}
		keys = append(keys, k.Data[b*seq*kvDim:(b+1)*seq*kvDim]...)
		values = append(values, v.Data[b*seq*kvDim:(b+1)*seq*kvDim]...)
		if next != nil {
			next.keys[li][b] = keys
			next.values[li][b] = values
		}

		for s := range seq {
			qpos := pastLen + s
			idx = idx[:0]
			for t := 0; t <= qpos; t++ {
				if vis[b][t] {
					idx = append(idx, t)
				}
			}
			if len(idx) == 0 {
				continue
			}
			qRow := q.Row(b*seq + s)
			oRow := attnOut.Row(b*seq + s)
			for hh := range nHead {
				kvh := hh * kvHeads / nHead
				qh := qRow[hh*hd : (hh+1)*hd]
				sc := scores[:len(idx)]
				for j, t := range idx {
					off := t*kvDim + kvh*hd
					sc[j] = tensor.Dot(qh, keys[off:off+hd]) * scale
				}
				tensor.Softmax(sc)
				oh := oRow[hh*hd : (hh+1)*hd]
				for j, t := range idx {
					off := t*kvDim + kvh*hd
					w := sc[j]
					for e := range hd {
						oh[e] += w * values[off+e]
					}
				}
				if probs != nil {
					base := ((b*nHead+hh)*seq + s) * total
					for j, t := range idx {
						probs.Data[base+t] = sc[j]
					}
				}
			}
		}
	}
	o, err := layer.Attn.O.Forward(attnOut)
	if err != nil {
		return nil, nil, err
	}
	return o, probs, nil
}
