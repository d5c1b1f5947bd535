package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/config"
)

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new .pml.json in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := resolveWorkspace()
			if err := config.Scaffold(workspace); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.Path(workspace))
			return nil
		},
	}
}
