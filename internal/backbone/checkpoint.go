package backbone

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/nn"
	"github.com/samcharles93/heads/internal/safetensors"
)

const (
	WeightsFile = "model.safetensors"
	IndexFile   = "model.safetensors.index.json"
)

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// ReadCheckpoint loads every tensor stored in dir, from either a single
// model.safetensors or the shards listed in model.safetensors.index.json.
func ReadCheckpoint(dir string) (nn.StateDict, error) {
	single := filepath.Join(dir, WeightsFile)
	if _, err := os.Stat(single); err == nil {
		sd, _, err := safetensors.ReadFile(single)
		if err != nil {
			return nil, errdefs.Loadf("read %s: %v", single, err)
		}
		return sd, nil
	}

	indexPath := filepath.Join(dir, IndexFile)
	data, err := os.ReadFile(indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Loadf("no %s or %s in %s", WeightsFile, IndexFile, dir)
	}
	if err != nil {
		return nil, errdefs.Loadf("read %s: %v", indexPath, err)
	}
	var idx shardIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errdefs.Loadf("parse %s: %v", indexPath, err)
	}
	shards := make([]string, 0, len(idx.WeightMap))
	for _, shard := range idx.WeightMap {
		if !slices.Contains(shards, shard) {
			shards = append(shards, shard)
		}
	}
	slices.Sort(shards)

	sd := nn.StateDict{}
	for _, shard := range shards {
		if strings.Contains(shard, "..") || filepath.IsAbs(shard) {
			return nil, errdefs.Loadf("shard path %q escapes %s", shard, dir)
		}
		tensors, _, err := safetensors.ReadFile(filepath.Join(dir, shard))
		if err != nil {
			return nil, errdefs.Loadf("read shard %s: %v", shard, err)
		}
		for name, t := range tensors {
			if idx.WeightMap[name] == shard {
				sd[name] = t
			}
		}
	}
	for name := range idx.WeightMap {
		if _, ok := sd[name]; !ok {
			return nil, errdefs.Loadf("tensor %s listed in %s is missing from its shard", name, IndexFile)
		}
	}
	return sd, nil
}

// WriteCheckpoint writes sd to dir/model.safetensors in the given dtype
// (F32 when empty).
func WriteCheckpoint(dir string, sd nn.StateDict, dtype string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	err := safetensors.WriteFile(filepath.Join(dir, WeightsFile), sd, safetensors.WriteOptions{
		DType:    dtype,
		Metadata: map[string]string{"format": "pt"},
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Params are the published sizes of a well-known model family.
type Params struct {
	ModelType  string
	HiddenSize int
	VocabSize  int
}

// ModelParams guesses hidden and vocabulary sizes from a model name for the
// families whose sizes are well known. Anything else needs its config.json.
func ModelParams(name string) (Params, error) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "gpt2"):
		return Params{ModelType: "gpt2", HiddenSize: 768, VocabSize: 50257}, nil
	case strings.Contains(n, "mistral"):
		return Params{ModelType: "mistral", HiddenSize: 4096, VocabSize: 32000}, nil
	case strings.Contains(n, "llama"):
		return Params{ModelType: "llama", HiddenSize: 4096, VocabSize: 32000}, nil
	}
	return Params{}, errdefs.UnknownModelType(name, []string{"gpt2", "llama", "mistral"})
}
