package api

import (
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/tensor"
)

// Tensor is the wire form of a dense float tensor in row-major order.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func tensorDTO(t *tensor.Tensor) Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: t.Data}
}

func (t Tensor) toTensor() (*tensor.Tensor, error) {
	return tensor.FromSlice(t.Data, t.Shape...)
}

type ForwardRequest struct {
	InputIDs      [][]int           `json:"input_ids"`
	AttentionMask [][]int           `json:"attention_mask,omitempty"`
	PositionIDs   [][]int           `json:"position_ids,omitempty"`
	Labels        map[string]Tensor `json:"labels,omitempty"`
	// Heads limits the returned outputs; all heads when empty.
	Heads              []string `json:"heads,omitempty"`
	OutputHiddenStates bool     `json:"output_hidden_states,omitempty"`
	ReturnDict         bool     `json:"return_dict,omitempty"`
}

type ForwardResponse struct {
	ID         string             `json:"id"`
	Object     string             `json:"object"`
	CreatedAt  int64              `json:"created_at"`
	Model      string             `json:"model"`
	Loss       *float32           `json:"loss,omitempty"`
	LossByHead map[string]float32 `json:"loss_by_head,omitempty"`
	// Outputs holds logits for classification and causal LM heads and
	// predictions for regression heads.
	Outputs map[string]Tensor `json:"outputs"`
	// HiddenStates holds one entry per backbone layer plus the embeddings
	// when requested.
	HiddenStates []Tensor `json:"hidden_states,omitempty"`
}

type HeadInfo struct {
	Config     head.Config `json:"config"`
	Layer      int         `json:"layer"`
	OutputSize int         `json:"output_size"`
}

type HeadList struct {
	Object string     `json:"object"`
	Model  string     `json:"model"`
	Data   []HeadInfo `json:"data"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
