package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/heads/internal/api"
	"github.com/samcharles93/heads/internal/loader"
	"github.com/samcharles93/heads/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		src         source
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a headed model over HTTP",
		Flags: append(append(commonModelFlags(), quantFlags()...),
			&cli.StringFlag{Name: "heads", Usage: "YAML or JSON head spec file (fresh heads)", Destination: &src.specFile},
			&cli.StringFlag{Name: "from", Usage: "folder with saved heads", Destination: &src.headsDir},
			&cli.StringFlag{Name: "adapter", Usage: "folder with a saved adapter and heads", Destination: &src.adapterDir},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx)

			m, err := loadModel(ctx, src, true)
			if err != nil {
				return err
			}
			id := modelName
			if src.adapterDir != "" {
				id = filepath.Base(filepath.Clean(src.adapterDir))
			}
			server := api.NewServer(api.NewStaticProvider(id, m), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", loader.Describe(m))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
