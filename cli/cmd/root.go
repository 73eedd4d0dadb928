package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file every subcommand loads.
	configPath string

	// logLevelOverride wins over both the file and the environment when set.
	logLevelOverride string
)

var rootCmd = &cobra.Command{
	Use:   "fleetrunner",
	Short: "fleetrunner — autoscaling CI runners on Hetzner Cloud",
	Long: `fleetrunner watches a CI provider's job queue and a Hetzner Cloud
project, creating and destroying self-hosted runner servers to match
demand.

Common workflow:

  fleetrunner run                    # start the scale-up/scale-down daemon
  fleetrunner status                 # owned servers, runner state, cost
  fleetrunner ssh <run-id> <job-id>   # open a shell on a job's server
  fleetrunner validate-config <path> # dry-run a config file
  fleetrunner delete-all             # tear down every owned server`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetrunner.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override the configured log level")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}
