package commands

import (
	"github.com/spf13/cobra"

	"github.com/modelplane/modelplane/cmd/modelplane/handlers"
)

// Doctor returns the command that checks the control plane's
// prerequisites: configuration, database reachability, and the IaC
// binary.
func Doctor() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and host prerequisites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Doctor(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "modelplane.yaml", "Path to configuration file")
	return cmd
}
