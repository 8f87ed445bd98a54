// Package quant implements the blockwise weight quantization applied to
// backbone linear layers for quantized inference and QLoRA.
package quant

import (
	"slices"
	"strings"

	"github.com/samcharles93/heads/internal/errdefs"
)

const DefaultBlockSize = 32

// Config selects the quantization width and the modules that must keep
// full-precision weights. Field names follow the bitsandbytes config keys.
type Config struct {
	LoadIn4Bit  bool     `json:"load_in_4bit" yaml:"load_in_4bit"`
	LoadIn8Bit  bool     `json:"load_in_8bit" yaml:"load_in_8bit"`
	BlockSize   int      `json:"block_size,omitempty" yaml:"block_size"`
	SkipModules []string `json:"llm_int8_skip_modules,omitempty" yaml:"skip_modules"`
}

// HeadSkipModules are the module names registered by PatchSkipModules so the
// quantizer leaves head parameters alone.
var HeadSkipModules = []string{"MLPHead", "heads", "lm_head"}

func (c *Config) Validate() error {
	if c.LoadIn4Bit && c.LoadIn8Bit {
		return errdefs.Configf("quantization: load_in_4bit and load_in_8bit are mutually exclusive")
	}
	if c.BlockSize < 0 {
		return errdefs.Configf("quantization: invalid block size %d", c.BlockSize)
	}
	return nil
}

// Bits is 4, 8 or 32 (no quantization).
func (c *Config) Bits() int {
	switch {
	case c == nil:
		return 32
	case c.LoadIn4Bit:
		return 4
	case c.LoadIn8Bit:
		return 8
	default:
		return 32
	}
}

// Quantized reports whether the config actually reduces precision.
func (c *Config) Quantized() bool {
	return c.Bits() < 16
}

// Block is the configured block size or DefaultBlockSize.
func (c *Config) Block() int {
	if c != nil && c.BlockSize > 0 {
		return c.BlockSize
	}
	return DefaultBlockSize
}

// PatchSkipModules appends the head module names to the skip list, once.
func (c *Config) PatchSkipModules() {
	for _, name := range HeadSkipModules {
		if !slices.Contains(c.SkipModules, name) {
			c.SkipModules = append(c.SkipModules, name)
		}
	}
}

// ShouldSkip reports whether the dotted module path matches an entry of the
// skip list. An entry matches a whole path segment or a path prefix.
func (c *Config) ShouldSkip(name string) bool {
	segments := strings.Split(name, ".")
	for _, skip := range c.SkipModules {
		if skip == "" {
			continue
		}
		if name == skip || strings.HasPrefix(name, skip+".") {
			return true
		}
		if slices.Contains(segments, skip) {
			return true
		}
	}
	return false
}
