package head

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/safetensors"
	"github.com/samcharles93/heads/internal/tensor"
)

// MLP is a stack of linear layers sized InSize -> LayerSizes... -> outputs.
// The hidden activation runs between layers, the output activation after
// the last one, and dropout before every linear while training.
type MLP struct {
	Config  Config
	Lins    []*nn.Linear
	Dropout nn.Dropout

	act    nn.ActivationFunc
	outAct nn.ActivationFunc
}

// NewMLP builds a freshly initialised head. vocabSize stands in for
// NumOutputs when the config leaves it unset.
func NewMLP(cfg Config, vocabSize int, reg nn.Registry, seed int64) (*MLP, error) {
	if err := cfg.Validate(reg); err != nil {
		return nil, err
	}
	out := cfg.Outputs(vocabSize)
	if out <= 0 {
		return nil, errdefs.Configf("head %q: vocabulary size must be positive, got %d", cfg.Name, vocabSize)
	}
	act, _ := reg.Activation(cfg.Activation)
	outAct, _ := reg.Activation(cfg.OutputActivation)

	widths := append([]int{cfg.InSize}, cfg.LayerSizes...)
	widths = append(widths, out)
	lins := make([]*nn.Linear, 0, len(widths)-1)
	for i := 0; i+1 < len(widths); i++ {
		last := i+2 == len(widths)
		bias := !last || cfg.OutputBias
		lins = append(lins, nn.NewLinear(widths[i], widths[i+1], bias, seed+int64(i)*2))
	}
	return &MLP{
		Config:  cfg.Clone(),
		Lins:    lins,
		Dropout: nn.NewDropout(cfg.Dropout, seed-1),
		act:     act,
		outAct:  outAct,
	}, nil
}

func (m *MLP) Name() string { return m.Config.Name }

// OutputSize is the width of the final layer.
func (m *MLP) OutputSize() int {
	return m.Lins[len(m.Lins)-1].Out
}

// Forward maps [..., InSize] to [..., outputs].
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	for i, lin := range m.Lins {
		y, err := lin.Forward(m.Dropout.Forward(x))
		if err != nil {
			return nil, fmt.Errorf("head %s: layer %d: %w", m.Config.Name, i, err)
		}
		if i < len(m.Lins)-1 {
			x = y.Apply(m.act)
		} else {
			x = y.Apply(m.outAct)
		}
	}
	return x, nil
}

func (m *MLP) SetTraining(training bool) {
	m.Dropout.Training = training
}

func (m *MLP) Parameters() []nn.NamedParameter {
	var params []nn.NamedParameter
	for i, lin := range m.Lins {
		params = append(params, nn.Prefix("lins."+strconv.Itoa(i), lin.Parameters())...)
	}
	return params
}

// SetRequiresGrad freezes or unfreezes every parameter of the head.
func (m *MLP) SetRequiresGrad(flag bool) {
	nn.SetRequiresGrad(m.Parameters(), flag)
}

// StateDict keys are lins.<i>.weight and lins.<i>.bias.
func (m *MLP) StateDict() nn.StateDict {
	sd := nn.StateDict{}
	for i, lin := range m.Lins {
		sd.Merge("lins."+strconv.Itoa(i), lin.StateDict())
	}
	return sd
}

// LoadStateDict copies the head's tensors from sd. It reports true only if
// every layer was present.
func (m *MLP) LoadStateDict(sd nn.StateDict) (bool, error) {
	all := true
	for i, lin := range m.Lins {
		ok, err := lin.LoadStateDict(sd.Sub("lins." + strconv.Itoa(i)))
		if err != nil {
			return false, fmt.Errorf("head %s: lins.%d: %w", m.Config.Name, i, err)
		}
		all = all && ok
	}
	return all, nil
}

// FileName is the standalone weight file of the named head.
func FileName(name string) string {
	return name + ".safetensors"
}

// Save writes the head's weights to dir/<name>.safetensors. The encoding is
// deterministic, so unchanged weights produce identical bytes.
func (m *MLP) Save(dir string) error {
	path := filepath.Join(dir, FileName(m.Config.Name))
	err := safetensors.WriteFile(path, m.StateDict(), safetensors.WriteOptions{
		Metadata: map[string]string{"format": "pt", "head": m.Config.Name},
	})
	if err != nil {
		return fmt.Errorf("save head %s: %w", m.Config.Name, err)
	}
	return nil
}

// Load restores weights written by Save.
func (m *MLP) Load(dir string) error {
	path := filepath.Join(dir, FileName(m.Config.Name))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return errdefs.Loadf("head %s: weight file %s not found", m.Config.Name, path)
	}
	tensors, _, err := safetensors.ReadFile(path)
	if err != nil {
		return errdefs.Loadf("head %s: %v", m.Config.Name, err)
	}
	ok, err := m.LoadStateDict(tensors)
	if err != nil {
		return errdefs.Loadf("%v", err)
	}
	if !ok {
		return errdefs.Loadf("head %s: %s is missing layer weights", m.Config.Name, path)
	}
	return nil
}
