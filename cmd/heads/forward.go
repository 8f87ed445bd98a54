package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/tensor"
)

func forwardCmd() *cli.Command {
	var (
		src  source
		rows []string
	)
	return &cli.Command{
		Name:  "forward",
		Usage: "Run one batch of token ids through a headed model and print per-head results",
		Flags: append(append(commonModelFlags(), quantFlags()...),
			&cli.StringFlag{Name: "heads", Usage: "YAML or JSON head spec file (fresh heads)", Destination: &src.specFile},
			&cli.StringFlag{Name: "from", Usage: "folder with saved heads", Destination: &src.headsDir},
			&cli.StringFlag{Name: "adapter", Usage: "folder with a saved adapter and heads", Destination: &src.adapterDir},
			&cli.StringSliceFlag{Name: "ids", Usage: "comma separated token ids, one flag per batch row", Required: true, Destination: &rows},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			ids, err := parseIDs(rows)
			if err != nil {
				return err
			}
			m, err := loadModel(ctx, src, true)
			if err != nil {
				return err
			}
			out, err := m.Forward(ctx, headed.Inputs{InputIDs: ids})
			if err != nil {
				return err
			}
			return writeForward(os.Stdout, m, out)
		},
	}
}

func parseIDs(rows []string) ([][]int, error) {
	ids := make([][]int, 0, len(rows))
	for i, row := range rows {
		var r []int
		for _, f := range strings.Split(row, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("ids row %d: %w", i, err)
			}
			r = append(r, id)
		}
		if len(r) == 0 {
			return nil, fmt.Errorf("ids row %d is empty", i)
		}
		ids = append(ids, r)
	}
	return ids, nil
}

type headResult struct {
	Shape []int `json:"shape"`
	// Argmax is taken over the last axis at the final position of each row.
	Argmax []int     `json:"argmax"`
	Last   []float32 `json:"last,omitempty"`
}

func summarise(t *tensor.Tensor) headResult {
	res := headResult{Shape: append([]int(nil), t.Shape...)}
	width := t.Features()
	perRow := t.Numel()
	if t.Rank() > 0 && t.Shape[0] > 0 {
		perRow = t.Numel() / t.Shape[0]
	}
	for b := 0; b+perRow <= t.Numel() && perRow > 0; b += perRow {
		last := t.Data[b+perRow-width : b+perRow]
		best := 0
		for i, v := range last {
			if v > last[best] {
				best = i
			}
		}
		res.Argmax = append(res.Argmax, best)
		if width <= 8 {
			res.Last = append(res.Last, last...)
		}
	}
	return res
}

func writeForward(w io.Writer, m *headed.Model, out *headed.Output) error {
	results := make(map[string]headResult, len(out.LogitsByHead)+len(out.PredsByHead))
	for _, h := range m.OutputHeads() {
		if t, ok := out.LogitsByHead[h.Name()]; ok {
			results[h.Name()] = summarise(t)
		} else if t, ok := out.PredsByHead[h.Name()]; ok {
			results[h.Name()] = summarise(t)
		}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
