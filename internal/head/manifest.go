package head

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/heads/internal/errdefs"
)

// ManifestFile is written next to the backbone weights on every save.
const ManifestFile = "head_configs.json"

// EncodeManifest renders cfgs as a JSON object keyed by head name, in
// configuration order.
func EncodeManifest(cfgs []Config) ([]byte, error) {
	if err := CheckUnique(cfgs); err != nil {
		return nil, err
	}
	om := orderedmap.New[string, Config](orderedmap.WithCapacity[string, Config](len(cfgs)))
	for _, c := range cfgs {
		om.Set(c.Name, c)
	}
	data, err := json.MarshalIndent(om, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode head manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeManifest is the inverse of EncodeManifest. A record whose name field
// is empty takes its key.
func DecodeManifest(data []byte) ([]Config, error) {
	om := orderedmap.New[string, Config]()
	if err := json.Unmarshal(data, om); err != nil {
		return nil, fmt.Errorf("decode head manifest: %w", err)
	}
	cfgs := make([]Config, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		name, c := pair.Key, pair.Value
		if c.Name == "" {
			c.Name = name
		}
		if c.Name != name {
			return nil, errdefs.Configf("head manifest key %q holds config named %q", name, c.Name)
		}
		cfgs = append(cfgs, c)
	}
	return cfgs, nil
}

func WriteManifest(dir string, cfgs []Config) error {
	data, err := EncodeManifest(cfgs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

func ReadManifest(dir string) ([]Config, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Loadf("head manifest %s not found", path)
	}
	if err != nil {
		return nil, errdefs.Loadf("read head manifest: %v", err)
	}
	return DecodeManifest(data)
}

// specFile is the YAML layout accepted by ReadSpecFile.
type specFile struct {
	Heads []Config `yaml:"heads"`
}

// ReadSpecFile reads a head list from YAML (a `heads:` list) or, for .json
// files, from a manifest-style object.
func ReadSpecFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read head spec: %w", err)
	}
	if filepath.Ext(path) == ".json" {
		return DecodeManifest(data)
	}
	var spec specFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errdefs.Configf("parse head spec %s: %v", path, err)
	}
	if len(spec.Heads) == 0 {
		return nil, errdefs.Configf("head spec %s lists no heads", path)
	}
	if err := CheckUnique(spec.Heads); err != nil {
		return nil, err
	}
	return spec.Heads, nil
}
