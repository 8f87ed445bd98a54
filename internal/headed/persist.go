package headed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/lora"
	"github.com/samcharles93/heads/internal/nn"
)

// StateDict uses the causal LM layout: <prefix>.* for the backbone,
// lm_head.weight, and heads.<name>.lins.<i>.* for auxiliary heads.
func (m *Model) StateDict() nn.StateDict {
	sd := nn.StateDict{}
	sd.Merge(m.prefix, m.backbone.StateDict())
	for _, h := range m.Heads() {
		sd.Merge("heads."+h.Name(), h.StateDict())
	}
	if m.lmHead != nil {
		sd.Merge(head.LMHeadName, m.lmHead.Linear.StateDict())
	}
	return sd
}

// LoadReport says which parts of a checkpoint were used.
type LoadReport struct {
	// MissingBackbone lists backbone tensors absent from the checkpoint.
	MissingBackbone []string
	// HeadsLoaded names the heads whose weights came from the checkpoint;
	// the rest keep their fresh initialisation.
	HeadsLoaded []string
	// Unexpected lists checkpoint tensors nothing consumed.
	Unexpected []string
}

// LoadPretrained copies every tensor of sd that the model knows. A missing
// lm_head.weight falls back to the input embeddings when the backbone ties
// them.
func (m *Model) LoadPretrained(sd nn.StateDict) (LoadReport, error) {
	var rep LoadReport
	m.fromCheckpoint = map[string]bool{}
	missing, err := m.backbone.LoadStateDict(sd.Sub(m.prefix))
	if err != nil {
		return rep, fmt.Errorf("load backbone: %w", err)
	}
	rep.MissingBackbone = missing

	for _, h := range m.Heads() {
		ok, err := h.LoadStateDict(sd.Sub("heads." + h.Name()))
		if err != nil {
			return rep, err
		}
		if ok {
			rep.HeadsLoaded = append(rep.HeadsLoaded, h.Name())
			m.fromCheckpoint[h.Name()] = true
		}
	}
	if m.lmHead != nil {
		lmSD := sd.Sub(head.LMHeadName)
		if _, ok := lmSD["weight"]; !ok && m.cfg.TieWordEmbeddings {
			lmSD = nn.StateDict{"weight": m.backbone.InputEmbeddings().Weight.Value}
		}
		ok, err := m.lmHead.Linear.LoadStateDict(lmSD)
		if err != nil {
			return rep, fmt.Errorf("load lm_head: %w", err)
		}
		if ok {
			rep.HeadsLoaded = append(rep.HeadsLoaded, head.LMHeadName)
			m.fromCheckpoint[head.LMHeadName] = true
		}
	}

	known := m.StateDict()
	for name := range sd {
		if _, ok := known[name]; !ok && !strings.Contains(name, "rotary_emb") {
			rep.Unexpected = append(rep.Unexpected, name)
		}
	}
	return rep, nil
}

// Save writes the model to dir in order: the backbone according to the
// selected BackboneSave mode, the head files, and finally head_configs.json.
// Only SaveFull stores head tensors with the backbone, so the other modes
// write every head individually and record that in the manifest.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	switch m.save {
	case SaveFull:
		if err := m.Config().Save(dir); err != nil {
			return err
		}
		if err := backbone.WriteCheckpoint(dir, m.StateDict(), ""); err != nil {
			return err
		}
	case SaveAdapter:
		if m.adapter == nil {
			return errdefs.Configf("adapter-only save requested but no adapter is attached")
		}
		if err := lora.Save(dir, *m.adapter, m.NamedLinears()); err != nil {
			return err
		}
	case SaveNone:
	default:
		return fmt.Errorf("unknown backbone save mode %v", m.save)
	}

	standalone := m.save != SaveFull
	for _, h := range m.OutputHeads() {
		if !standalone && !h.HeadConfig().RequiresIndividualSaving {
			continue
		}
		if err := h.Save(dir); err != nil {
			return err
		}
	}
	cfgs := m.HeadConfigs()
	if standalone {
		for i := range cfgs {
			cfgs[i].RequiresIndividualSaving = true
		}
	}
	return head.WriteManifest(dir, cfgs)
}

// LoadHeads restores head weights from files written by Save. A head file
// may be absent only when the manifest in dir does not flag the head for
// individual saving and LoadPretrained already found its weights in the
// checkpoint. progress, if set, is called after each head.
func (m *Model) LoadHeads(dir string, progress func(name string)) error {
	saved := map[string]bool{}
	if cfgs, err := head.ReadManifest(dir); err == nil {
		for _, c := range cfgs {
			saved[c.Name] = c.RequiresIndividualSaving
		}
	} else if !errors.Is(err, errdefs.ErrLoad) {
		return err
	}
	for _, h := range m.OutputHeads() {
		name := h.Name()
		path := filepath.Join(dir, head.FileName(name))
		_, statErr := os.Stat(path)
		keep := errors.Is(statErr, fs.ErrNotExist) && !saved[name] && m.fromCheckpoint[name]
		if !keep {
			if err := h.Load(dir); err != nil {
				return err
			}
		}
		if progress != nil {
			progress(name)
		}
	}
	return nil
}
