package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dvore/werm/internal/logger"
)

func main() {
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "wermd",
		Short: "werm — browser terminal multiplexer broker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logLevel, logFile)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")

	root.AddCommand(
		serveCmd(),
		masterCmd(),
		attachCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
