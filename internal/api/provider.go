package api

import (
	"context"
	"sync"

	"github.com/samcharles93/heads/internal/headed"
)

// ModelProvider hands out exclusive access to a loaded model.
type ModelProvider interface {
	WithModel(ctx context.Context, fn func(m *headed.Model) error) error
	ModelID() string
}

// StaticProvider serves one model and serialises requests against it.
type StaticProvider struct {
	id    string
	mu    sync.Mutex
	model *headed.Model
}

func NewStaticProvider(id string, m *headed.Model) *StaticProvider {
	return &StaticProvider{id: id, model: m}
}

func (p *StaticProvider) ModelID() string { return p.id }

func (p *StaticProvider) WithModel(ctx context.Context, fn func(m *headed.Model) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(p.model)
}
