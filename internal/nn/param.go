// Package nn holds the building blocks shared by backbones and heads:
// parameters with gradient flags, linear layers (optionally quantized or
// low-rank adapted), embeddings, normalisation, dropout and the activation
// and loss tables.
package nn

import (
	"strings"

	"github.com/samcharles93/heads/internal/tensor"
)

// Parameter is a tensor plus the flag an external trainer reads to decide
// whether to update it.
type Parameter struct {
	Value        *tensor.Tensor
	RequiresGrad bool
	// Locked parameters (quantized weights) can never be unfrozen.
	Locked bool
}

func NewParameter(t *tensor.Tensor) *Parameter {
	return &Parameter{Value: t, RequiresGrad: true}
}

// SetRequiresGrad toggles gradient tracking unless the parameter is locked.
func (p *Parameter) SetRequiresGrad(flag bool) {
	if p.Locked {
		p.RequiresGrad = false
		return
	}
	p.RequiresGrad = flag
}

// NamedParameter pairs a parameter with its dotted path inside a model.
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// Prefix returns params with prefix + "." prepended to every name.
func Prefix(prefix string, params []NamedParameter) []NamedParameter {
	if prefix == "" {
		return params
	}
	out := make([]NamedParameter, len(params))
	for i, p := range params {
		out[i] = NamedParameter{Name: prefix + "." + p.Name, Param: p.Param}
	}
	return out
}

// SetRequiresGrad applies flag to every parameter.
func SetRequiresGrad(params []NamedParameter, flag bool) {
	for _, p := range params {
		p.Param.SetRequiresGrad(flag)
	}
}

// SetRequiresGradMatching applies flag to parameters whose name contains substr.
func SetRequiresGradMatching(params []NamedParameter, substr string, flag bool) int {
	n := 0
	for _, p := range params {
		if strings.Contains(p.Name, substr) {
			p.Param.SetRequiresGrad(flag)
			n++
		}
	}
	return n
}

// Trainable filters params down to those with RequiresGrad set.
func Trainable(params []NamedParameter) []NamedParameter {
	var out []NamedParameter
	for _, p := range params {
		if p.Param.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}

// CountElements sums the number of scalar values across params.
func CountElements(params []NamedParameter) int {
	n := 0
	for _, p := range params {
		if p.Param.Value != nil {
			n += p.Param.Value.Numel()
		}
	}
	return n
}

// StateDict is a flat mapping from dotted parameter path to tensor.
type StateDict map[string]*tensor.Tensor

// Merge copies every entry of src into sd under prefix.
func (sd StateDict) Merge(prefix string, src StateDict) {
	for k, v := range src {
		if prefix != "" {
			k = prefix + "." + k
		}
		sd[k] = v
	}
}

// Sub returns the entries under prefix with the prefix stripped.
func (sd StateDict) Sub(prefix string) StateDict {
	out := StateDict{}
	p := prefix + "."
	for k, v := range sd {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out
}
