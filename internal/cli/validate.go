package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tailship/tailship/internal/config"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			fmt.Printf("Configuration valid:\n")
			fmt.Printf("  Inputs:  %d\n", len(cfg.Inputs))
			fmt.Printf("  Outputs: %d\n", len(cfg.Outputs))
			return nil
		},
	}
}
