package backbone

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/tensor"
)

// Cache is the opaque key/value state a decoder hands back for incremental
// decoding.
type Cache interface {
	// Len is the number of positions already cached.
	Len() int
}

// Inputs are the standard decoder inputs. Exactly one of InputIDs and
// InputsEmbeds is set.
type Inputs struct {
	InputIDs [][]int
	// AttentionMask holds 1 for visible and 0 for padded keys. Rows cover
	// either the new tokens or the cached plus new tokens.
	AttentionMask [][]int
	PositionIDs   [][]int
	PastKeyValues Cache
	InputsEmbeds  *tensor.Tensor
	UseCache      bool

	OutputAttentions   bool
	OutputHiddenStates bool
}

// Outputs of a forward pass. HiddenStates has NumHiddenLayers+1 entries when
// requested: the embeddings first, then one per decoder layer.
type Outputs struct {
	LastHiddenState *tensor.Tensor
	HiddenStates    []*tensor.Tensor
	Attentions      []*tensor.Tensor
	PastKeyValues   Cache
}

// Backbone is a pretrained decoder without its vocabulary projection.
type Backbone interface {
	Config() Config
	Forward(ctx context.Context, in Inputs) (*Outputs, error)

	InputEmbeddings() *nn.Embedding
	SetInputEmbeddings(e *nn.Embedding) error

	// Linears lists every linear sublayer by dotted path, in a stable order.
	Linears() []nn.NamedLinear
	Parameters() []nn.NamedParameter
	StateDict() nn.StateDict
	// LoadStateDict copies matching tensors and returns the names it
	// expected but did not find.
	LoadStateDict(sd nn.StateDict) (missing []string, err error)

	SetTraining(training bool)
}

// Factory builds an uninitialised backbone from its configuration.
type Factory func(cfg Config) (Backbone, error)

// Spec registers an implementation. Prefix is the attribute under which the
// decoder's weights live in causal LM checkpoints ("model" for llama style
// models, "transformer" for gpt2 style).
type Spec struct {
	ModelType string
	Prefix    string
	New       Factory
}

var (
	mu       sync.RWMutex
	registry = map[string]Spec{}
)

// Register makes an implementation available under spec.ModelType. It is
// meant to be called from init and panics on duplicates.
func Register(spec Spec) {
	mu.Lock()
	defer mu.Unlock()
	if spec.ModelType == "" || spec.New == nil {
		panic("backbone: Register needs a model type and a factory")
	}
	if _, dup := registry[spec.ModelType]; dup {
		panic("backbone: duplicate registration of " + spec.ModelType)
	}
	registry[spec.ModelType] = spec
}

// Lookup returns the implementation for modelType or ErrUnknownModelType.
func Lookup(modelType string) (Spec, error) {
	mu.RLock()
	spec, ok := registry[modelType]
	mu.RUnlock()
	if !ok {
		return Spec{}, errdefs.UnknownModelType(modelType, Types())
	}
	return spec, nil
}

// Types lists the registered model types, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// New validates cfg and builds the registered implementation.
func New(cfg Config) (Backbone, Spec, error) {
	spec, err := Lookup(cfg.ModelType)
	if err != nil {
		return nil, Spec{}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, Spec{}, err
	}
	b, err := spec.New(cfg)
	if err != nil {
		return nil, Spec{}, err
	}
	return b, spec, nil
}
