package main

import (
	"github.com/spf13/cobra"

	"taskmesh/internal/server"
)

//nolint:gochecknoglobals // cobra flag target
var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestration API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		sys, err := buildSystem(cfg)
		if err != nil {
			return err
		}
		defer sys.Close()

		ctx, stop := signalContext()
		defer stop()
		return server.New(server.FromSystem(sys)).ListenAndServe(ctx, cfg.Server.Addr)
	},
}

func init() { //nolint:gochecknoinits // cobra flags
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :8088)")
}
