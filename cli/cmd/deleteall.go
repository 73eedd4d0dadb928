package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pylonhq/fleetrunner/internal/namer"
)

var deleteAllSure bool

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every server the controller owns",
	Long: `Deletes every server carrying the configured name prefix, active,
recycle, and standby alike. This is irreversible and does not stop a
running "fleetrunner run" process, which will simply recreate servers
on its next tick.`,
	RunE: runDeleteAll,
}

func init() {
	deleteAllCmd.Flags().BoolVar(&deleteAllSure, "i-am-sure", false, "Skip the typed confirmation prompt")
	rootCmd.AddCommand(deleteAllCmd)
}

func runDeleteAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cloudClient, err := buildCloudClient(ctx, cfg)
	if err != nil {
		return err
	}

	n := namer.New(cfg.LabelPrefix)
	servers, err := ownedServers(ctx, cloudClient, n.Prefix())
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	if len(servers) == 0 {
		warn("No owned servers — nothing to do")
		return nil
	}

	header("Deleting all owned servers")
	if !deleteAllSure {
		fmt.Printf("\n  %s⚠️  This will permanently delete %d server(s) under prefix %q.%s\n", colorYellow, len(servers), n.Prefix(), colorReset)
		fmt.Printf("  Type the prefix to confirm: ")

		var confirm string
		fmt.Scanln(&confirm)
		if confirm != n.Prefix() {
			fmt.Println("  Aborted.")
			return nil
		}
	}

	failures := 0
	for _, s := range servers {
		if err := cloudClient.DeleteServer(ctx, s.CloudID); err != nil {
			fail(fmt.Sprintf("%s: %v", s.Name, err))
			failures++
			continue
		}
		success(s.Name)
	}
	if failures > 0 {
		return fmt.Errorf("%d server(s) failed to delete", failures)
	}
	return nil
}
