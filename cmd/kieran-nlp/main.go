package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kieran-nlp/internal/config"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kieran-nlp",
		Short:         "Local AI chat client with persistent conversation history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			logger, err = config.NewLogger(cfg.LogPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.AddCommand(newChatCmd())
	root.AddCommand(newAuthCodeCmd())
	root.AddCommand(newClearDBCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
