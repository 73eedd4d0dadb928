package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"

	"github.com/pylonhq/fleetrunner/internal/config"
)

// runFirstSetup prompts for the credentials and SSH key path a minimal
// config needs, writes the result to path, and returns the loaded Config —
// so "fleetrunner run" against a config file that does not exist yet walks
// straight into a working daemon instead of a bare error.
func runFirstSetup(path string) (config.Config, error) {
	var (
		githubToken string
		githubRepo  string
		hetznerTok  string
		sshKeyPath  = "~/.ssh/id_rsa.pub"
	)

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("GitHub personal access token").EchoMode(huh.EchoModePassword).Value(&githubToken),
		huh.NewInput().Title("GitHub repository (owner/name)").Value(&githubRepo),
		huh.NewInput().Title("Hetzner Cloud API token").EchoMode(huh.EchoModePassword).Value(&hetznerTok),
		huh.NewInput().Title("SSH public key path").Value(&sshKeyPath),
	))
	if err := form.Run(); err != nil {
		return config.Config{}, fmt.Errorf("setup aborted: %w", err)
	}

	cfg := config.Defaults()
	cfg.GitHubToken = githubToken
	cfg.GitHubRepository = githubRepo
	cfg.HetznerToken = hetznerTok
	cfg.SSHKey = sshKeyPath

	if err := writeConfig(path, cfg); err != nil {
		return config.Config{}, err
	}
	success(fmt.Sprintf("wrote %s", path))

	return config.Load(path, config.Overrides{})
}

func writeConfig(path string, cfg config.Config) error {
	doc := struct {
		Config config.Config `yaml:"config"`
	}{Config: cfg}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
