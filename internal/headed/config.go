package headed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/head"
)

// Config is a backbone configuration plus the ordered head list. It is
// written as a single config.json with the head list under output_heads.
type Config struct {
	backbone.Config
	OutputHeads []head.Config `json:"output_heads"`
}

// FromBase copies every field of base and attaches heads.
func FromBase(base backbone.Config, heads []head.Config) (Config, error) {
	if err := head.CheckUnique(heads); err != nil {
		return Config{}, err
	}
	cfg := Config{Config: base.Clone(), OutputHeads: make([]head.Config, len(heads))}
	for i, h := range heads {
		cfg.OutputHeads[i] = h.Clone()
	}
	return cfg, nil
}

// ToBase projects back onto the backbone configuration. It is the exact
// inverse of FromBase.
func (c Config) ToBase() backbone.Config {
	return c.Config.Clone()
}

func (c Config) Save(dir string) error {
	return backbone.WriteJSON(filepath.Join(dir, backbone.ConfigFile), c)
}

// LoadConfig reads a config.json written by Save. A plain backbone config
// loads with an empty head list.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, backbone.ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, errdefs.Loadf("config %s not found", path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := head.CheckUnique(cfg.OutputHeads); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
