package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kieran-nlp/internal/db"
)

func newClearDBCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cleardb",
		Short: "Wipe all users, conversations and messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the database without --yes")
			}

			database, err := db.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.ClearAll(); err != nil {
				logger.Error("failed to clear database", zap.Error(err))
				return err
			}
			fmt.Println("database cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
