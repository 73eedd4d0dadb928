package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pylonhq/fleetrunner/internal/costestimate"
	"github.com/pylonhq/fleetrunner/internal/namer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show owned servers, runner state, and estimated spend",
	Long: `Lists every server the controller owns side by side with its
self-hosted runner registration, then prints a monthly cost estimate
derived from the live Hetzner price catalog.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cloudClient, err := buildCloudClient(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	n := namer.New(cfg.LabelPrefix)
	servers, err := ownedServers(ctx, cloudClient, n.Prefix())
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	runners, err := provider.ListSelfHostedRunners(ctx, cfg.GitHubRepository)
	if err != nil {
		return fmt.Errorf("listing runners: %w", err)
	}
	runnerByName := make(map[string]string, len(runners))
	for _, r := range runners {
		state := string(r.Status)
		if r.Busy {
			state += ", busy"
		}
		runnerByName[r.Name] = state
	}

	header("Servers")
	if len(servers) == 0 {
		fmt.Printf("    %sNone%s\n", colorDim, colorReset)
	}
	for _, s := range servers {
		role, _, ok := n.ParseRole(s.Name)
		if !ok {
			role = namer.Role(string(s.Labels.Role))
		}
		runnerState, tracked := runnerByName[s.Name]
		if !tracked {
			runnerState = "no runner"
		}
		fmt.Printf("    %-32s %-10s %-9s %-10s %s\n", s.Name, role, s.Status, s.ServerType, runnerState)
	}

	est, err := costestimate.Compute(cloudClient, servers)
	if err != nil {
		return fmt.Errorf("estimating cost: %w", err)
	}
	header("Cost")
	fmt.Printf("    %s\n", est.Summary())

	return nil
}
