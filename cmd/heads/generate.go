package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/logits"
)

func generateCmd() *cli.Command {
	var (
		src         source
		prompt      string
		steps       int64
		temperature float64
		topK        int64
		topP        float64
		minP        float64
		repeat      float64
		stop        []string
	)
	return &cli.Command{
		Name:  "generate",
		Usage: "Extend a token id prompt with the lm_head",
		Flags: append(append(commonModelFlags(), quantFlags()...),
			&cli.StringFlag{Name: "heads", Usage: "YAML or JSON head spec file (fresh heads)", Destination: &src.specFile},
			&cli.StringFlag{Name: "from", Usage: "folder with saved heads", Destination: &src.headsDir},
			&cli.StringFlag{Name: "adapter", Usage: "folder with a saved adapter and heads", Destination: &src.adapterDir},
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "comma separated prompt token ids", Required: true, Destination: &prompt},
			&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "maximum new tokens", Value: 16, Destination: &steps},
			&cli.FloatFlag{Name: "temperature", Aliases: []string{"temp", "t"}, Usage: "sampling temperature (0 is greedy)", Value: 0, Destination: &temperature},
			&cli.Int64Flag{Name: "top-k", Value: 40, Destination: &topK},
			&cli.FloatFlag{Name: "top-p", Value: 1, Destination: &topP},
			&cli.FloatFlag{Name: "min-p", Value: 0, Destination: &minP},
			&cli.FloatFlag{Name: "repeat-penalty", Value: 1, Destination: &repeat},
			&cli.StringSliceFlag{Name: "stop", Usage: "stop token id (repeatable)", Destination: &stop},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			ids, err := parseIDs([]string{prompt})
			if err != nil {
				return err
			}
			var stops []int
			if len(stop) > 0 {
				parsed, err := parseIDs([]string{strings.Join(stop, ",")})
				if err != nil {
					return err
				}
				stops = parsed[0]
			}
			m, err := loadModel(ctx, src, true)
			if err != nil {
				return err
			}
			out, err := logits.Decode(ctx, m, ids[0], logits.DecodeOptions{
				MaxNewTokens: int(steps),
				StopTokens:   stops,
				Sampler: logits.SamplerConfig{
					Seed:          seed,
					Temperature:   float32(temperature),
					TopK:          int(topK),
					TopP:          float32(topP),
					MinP:          float32(minP),
					RepeatPenalty: float32(repeat),
				},
				OnToken: func(id int) {
					_, _ = fmt.Fprint(os.Stdout, strconv.Itoa(id), " ")
				},
			})
			_, _ = fmt.Fprintln(os.Stdout)
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Debug("generated", "tokens", len(out))
			return nil
		},
	}
}
