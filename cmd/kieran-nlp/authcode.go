package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kieran-nlp/internal/authorized"
)

func newAuthCodeCmd() *cobra.Command {
	var (
		count  int
		length int
		save   bool
	)

	cmd := &cobra.Command{
		Use:   "authcode",
		Short: "Generate authorization codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < count; i++ {
				code, err := authorized.GenerateCode(length)
				if err != nil {
					return err
				}
				fmt.Println(code)
				if save {
					if err := authorized.AppendCode(cfg.AuthCodeFile, code); err != nil {
						return err
					}
				}
			}
			if save {
				fmt.Printf("saved to %s\n", cfg.AuthCodeFile)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of codes to generate")
	cmd.Flags().IntVar(&length, "length", authorized.DefaultCodeLength, "code length")
	cmd.Flags().BoolVar(&save, "save", false, "append generated codes to the code-list file")
	return cmd
}
