package headed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/safetensors"
	"github.com/samcharles93/heads/internal/tensor"
)

// OutputHead is either an *AuxiliaryHead or the *PrimaryLMHead. The variant
// is fixed when the model is built.
type OutputHead interface {
	Name() string
	HeadConfig() head.Config
	// LayerIndex is the resolved index into the hidden-state sequence.
	LayerIndex() int
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []nn.NamedParameter
	SetRequiresGrad(flag bool)
	SetIndividualSaving(flag bool)
	Save(dir string) error
	Load(dir string) error

	outputHead()
}

// AuxiliaryHead is an MLP reading an arbitrary hidden layer.
type AuxiliaryHead struct {
	*head.MLP
	layer int
}

func (h *AuxiliaryHead) HeadConfig() head.Config { return h.Config.Clone() }
func (h *AuxiliaryHead) LayerIndex() int         { return h.layer }
func (h *AuxiliaryHead) SetIndividualSaving(flag bool) {
	h.Config.RequiresIndividualSaving = flag
}
func (*AuxiliaryHead) outputHead() {}

// PrimaryLMHead is the vocabulary projection that replaces the backbone's
// own output layer. It is a single linear map.
type PrimaryLMHead struct {
	Config head.Config
	Linear *nn.Linear

	act   nn.ActivationFunc
	layer int
}

func (h *PrimaryLMHead) Name() string            { return h.Config.Name }
func (h *PrimaryLMHead) HeadConfig() head.Config { return h.Config.Clone() }
func (h *PrimaryLMHead) LayerIndex() int         { return h.layer }
func (h *PrimaryLMHead) SetIndividualSaving(flag bool) {
	h.Config.RequiresIndividualSaving = flag
}
func (*PrimaryLMHead) outputHead() {}

func (h *PrimaryLMHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := h.Linear.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", h.Config.Name, err)
	}
	return y.Apply(h.act), nil
}

func (h *PrimaryLMHead) Parameters() []nn.NamedParameter {
	return h.Linear.Parameters()
}

func (h *PrimaryLMHead) SetRequiresGrad(flag bool) {
	nn.SetRequiresGrad(h.Parameters(), flag)
}

// Save uses the same layout as an auxiliary head file: lins.0.weight.
func (h *PrimaryLMHead) Save(dir string) error {
	sd := nn.StateDict{}
	sd.Merge("lins.0", h.Linear.StateDict())
	return safetensors.WriteFile(filepath.Join(dir, head.FileName(h.Config.Name)), sd, safetensors.WriteOptions{
		Metadata: map[string]string{"format": "pt", "head": h.Config.Name},
	})
}

func (h *PrimaryLMHead) Load(dir string) error {
	path := filepath.Join(dir, head.FileName(h.Config.Name))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return errdefs.Loadf("head %s: weight file %s not found", h.Config.Name, path)
	}
	sd, _, err := safetensors.ReadFile(path)
	if err != nil {
		return errdefs.Loadf("head %s: %v", h.Config.Name, err)
	}
	ok, err := h.Linear.LoadStateDict(nn.StateDict(sd).Sub("lins.0"))
	if err != nil {
		return errdefs.Loadf("head %s: %v", h.Config.Name, err)
	}
	if !ok {
		return errdefs.Loadf("head %s: %s has no lins.0.weight", h.Config.Name, path)
	}
	return nil
}
