package commands

import (
	"github.com/spf13/cobra"

	"github.com/modelplane/modelplane/cmd/modelplane/handlers"
)

// Serve returns the command that runs the control plane.
//
// Required flags:
//
//	--config, -c: Path to the control-plane configuration YAML file
func Serve() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the modelplane control plane.

Starts the deployment API, the status event stream, the provisioning
worker pool, and the metrics endpoint. Shuts down gracefully on
SIGINT/SIGTERM, letting in-flight provisioning runs finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Serve(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "modelplane.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
