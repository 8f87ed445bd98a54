package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/backbone"
	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/lora"
	"github.com/samcharles93/heads/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarise a saved headed model folder",
		ArgsUsage: "<dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("inspect: a directory is required")
			}
			return inspectDir(os.Stdout, dir)
		},
	}
}

// fileDigest is the hex xxh64 of a file, or "-" when it does not exist.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "-", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func inspectDir(w io.Writer, dir string) error {
	cfgs, err := head.ReadManifest(dir)
	if err != nil {
		return err
	}

	switch {
	case exists(filepath.Join(dir, lora.ConfigFile)):
		acfg, err := lora.LoadConfig(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "backbone:  adapter r=%d alpha=%g on %s (targets %v)\n", acfg.R, acfg.LoraAlpha, acfg.BaseModelNameOrPath, acfg.TargetModules)
	case exists(filepath.Join(dir, backbone.ConfigFile)):
		cfg, err := backbone.LoadConfig(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "backbone:  %s, %d layers, hidden %d, vocab %d\n", cfg.ModelType, cfg.NumHiddenLayers, cfg.HiddenSize, cfg.VocabSize)
	default:
		fmt.Fprintln(w, "backbone:  not saved")
	}

	rows := make([][]string, 0, len(cfgs))
	for _, c := range cfgs {
		path := filepath.Join(dir, head.FileName(c.Name))
		digest, err := fileDigest(path)
		if err != nil {
			return err
		}
		tensors := "-"
		if digest != "-" {
			f, err := safetensors.Open(path)
			if err != nil {
				return err
			}
			tensors = strconv.Itoa(len(f.Tensors))
			_ = f.Close()
		}
		outputs := "vocab"
		if c.NumOutputs != nil {
			outputs = strconv.Itoa(*c.NumOutputs)
		}
		loss := "-"
		if c.HasLoss() {
			loss = *c.LossFct
		}
		rows = append(rows, []string{
			c.Name,
			strconv.Itoa(c.LayerHook),
			fmt.Sprint(append([]int{c.InSize}, c.LayerSizes...)),
			outputs,
			loss,
			strconv.FormatBool(c.Trainable),
			tensors,
			digest,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"HEAD", "LAYER", "WIDTHS", "OUTPUTS", "LOSS", "TRAINABLE", "TENSORS", "XXH64"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
