package cmd

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/pylonhq/fleetrunner/internal/config"
)

var validateConfigDiffAgainst string

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config <path>",
	Short: "Validate a config file without starting the controller",
	Long: `Loads and validates the config file at <path> against the schema
and cross-field invariants, then dry-runs the label resolver against
every standby_runners group and max_runners_for_label entry so a typo
in a label set is caught before it reaches the running controller.

With --diff-against, prints a field-level diff against a second config
file instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateConfig,
}

func init() {
	validateConfigCmd.Flags().StringVar(&validateConfigDiffAgainst, "diff-against", "", "Diff against a second config file instead of dry-running labels")
	rootCmd.AddCommand(validateConfigCmd)
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	cfg, err := config.Load(path, config.Overrides{})
	if err != nil {
		fail(err.Error())
		return err
	}
	success(fmt.Sprintf("%s: schema and cross-field checks passed", path))

	if validateConfigDiffAgainst != "" {
		other, err := config.Load(validateConfigDiffAgainst, config.Overrides{})
		if err != nil {
			return fmt.Errorf("loading %s: %w", validateConfigDiffAgainst, err)
		}
		diff := cmp.Diff(other, cfg)
		if diff == "" {
			success("no differences")
		} else {
			header(fmt.Sprintf("Diff (%s -> %s)", validateConfigDiffAgainst, path))
			fmt.Println(diff)
		}
		return nil
	}

	return dryRunLabels(ctx, cfg)
}

// dryRunLabels resolves every label set named in standby_runners and
// max_runners_for_label against the live cloud catalogs, without
// creating anything, reporting any label the resolver would reject.
func dryRunLabels(ctx context.Context, cfg config.Config) error {
	cloudClient, err := buildCloudClient(ctx, cfg)
	if err != nil {
		return err
	}
	resolver := buildResolver(cloudClient, cfg, nil)

	header("standby_runners")
	failures := 0
	for _, g := range cfg.StandbyRunners {
		if _, err := resolver.Resolve(ctx, g.Labels); err != nil {
			fail(fmt.Sprintf("%s: %v", g.Name, err))
			failures++
			continue
		}
		success(g.Name)
	}

	header("max_runners_for_label")
	for _, lc := range cfg.MaxRunnersForLabel {
		if _, err := resolver.Resolve(ctx, lc.Labels); err != nil {
			fail(fmt.Sprintf("%v: %v", lc.Labels, err))
			failures++
			continue
		}
		success(fmt.Sprintf("%v (max %d)", lc.Labels, lc.Max))
	}

	if failures > 0 {
		return fmt.Errorf("%d label set(s) failed to resolve", failures)
	}
	return nil
}
