package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pylonhq/fleetrunner/internal/namer"
)

var sshCmd = &cobra.Command{
	Use:   "ssh <run-id> <job-id>",
	Short: "Open an interactive SSH session to a job's server",
	Long: `Resolves the active server name for the given (run-id, job-id) pair
and execs the system ssh binary against its public IP, authenticating
with the same key material the controller's bootstrap driver uses.`,
	Args: cobra.ExactArgs(2),
	RunE: runSSH,
}

func init() {
	rootCmd.AddCommand(sshCmd)
}

func runSSH(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	runID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run-id %q: %w", args[0], err)
	}
	jobID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job-id %q: %w", args[1], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cloudClient, err := buildCloudClient(ctx, cfg)
	if err != nil {
		return err
	}

	n := namer.New(cfg.LabelPrefix)
	name := n.Active(runID, jobID)

	servers, err := ownedServers(ctx, cloudClient, n.Prefix())
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	var ip string
	for _, s := range servers {
		if s.Name == name {
			ip = s.PublicIPv4
			break
		}
	}
	if ip == "" {
		return fmt.Errorf("no server found for run %d job %d", runID, jobID)
	}

	privPath, err := privateKeyPath(cfg)
	if err != nil {
		return err
	}

	step("🔑", fmt.Sprintf("ssh -i %s root@%s", privPath, ip))
	sshProc := exec.Command("ssh", "-i", privPath, "-o", "StrictHostKeyChecking=no", fmt.Sprintf("root@%s", ip))
	sshProc.Stdin = os.Stdin
	sshProc.Stdout = os.Stdout
	sshProc.Stderr = os.Stderr
	return sshProc.Run()
}
