package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dvore/werm/internal/config"
	"github.com/dvore/werm/internal/logger"
	"github.com/dvore/werm/internal/rendezvous"
)

func masterCmd() *cobra.Command {
	var termid string
	var pream string
	var shell string
	var rows, cols int
	var configPath string

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run a single session's Master standalone, without the HTTP broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if termid == "" {
				return fmt.Errorf("--termid is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
			if shell == "" {
				shell = os.Getenv("SHELL")
			}
			if shell == "" {
				shell = "/bin/sh"
			}
			if rows == 0 {
				rows = cfg.DefaultRows
			}
			if cols == 0 {
				cols = cfg.DefaultCols
			}

			log := logger.New("master").With("termid", termid)
			m := rendezvous.NewMaster(cfg, termid, log)
			if err := m.Start(shell, rows, cols, pream); err != nil {
				return fmt.Errorf("start master: %w", err)
			}
			defer m.Close()
			if err := m.Listen(); err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- m.Serve() }()

			select {
			case <-ctx.Done():
				log.Info("master: shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&termid, "termid", "", "session identifier (required)")
	cmd.Flags().StringVar(&pream, "pream", "", "command written to the PTY on first attach")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to run (default $SHELL or /bin/sh)")
	cmd.Flags().IntVar(&rows, "rows", 0, "initial terminal rows (default from config)")
	cmd.Flags().IntVar(&cols, "cols", 0, "initial terminal columns (default from config)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to werm.yaml")
	return cmd
}
