package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "heads",
		Usage:  "Attach, train-prepare and serve auxiliary heads on transformer backbones",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			toyInitCmd(),
			attachCmd(),
			qloraCmd(),
			inspectCmd(),
			forwardCmd(),
			generateCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}
