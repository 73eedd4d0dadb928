package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pylonhq/fleetrunner/ciapi"
	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/config"
	"github.com/pylonhq/fleetrunner/internal/labels"
	"github.com/pylonhq/fleetrunner/internal/logging"
	"github.com/pylonhq/fleetrunner/internal/model"
	"github.com/pylonhq/fleetrunner/internal/namer"
)

// ciProviderName is fixed at "github" for now — Config has no
// provider-selection field because every reserved label category and
// the config schema are GitHub-Actions-specific. A second provider would
// need its own config section, not just a different ciapi.Get name.
const ciProviderName = "github"

// loadConfig reads and validates the config file at configPath, applying
// the --log-level flag as an override. If the file does not exist at all,
// it runs the interactive first-time setup wizard instead of failing.
func loadConfig() (config.Config, error) {
	if _, err := os.Stat(expandHome(configPath)); os.IsNotExist(err) {
		warn(fmt.Sprintf("%s not found — running first-time setup", configPath))
		cfg, err := runFirstSetup(configPath)
		if err != nil {
			return config.Config{}, err
		}
		applyLogLevelOverride(&cfg)
		return cfg, nil
	}

	cfg, err := config.Load(configPath, config.Overrides{LogLevel: logLevelOverride})
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	return cfg, nil
}

func applyLogLevelOverride(cfg *config.Config) {
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}
}

// buildLogger builds the shared SugaredLogger every command uses.
func buildLogger(cfg config.Config) (*zap.SugaredLogger, error) {
	return logging.New(cfg.LogLevel, false)
}

// buildCloudClient builds a Hetzner client and warms its price catalog.
func buildCloudClient(ctx context.Context, cfg config.Config) (*cloud.HetznerClient, error) {
	c := cloud.NewHetznerClient(cfg.HetznerToken)
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("warming price catalog: %w", err)
	}
	return c, nil
}

// buildProvider resolves the configured CI provider.
func buildProvider(cfg config.Config) (ciapi.Provider, error) {
	return ciapi.Get(ciProviderName, ciapi.Config{Token: cfg.GitHubToken})
}

// ensureSSHKeys installs cfg.SSHKey and every entry of
// cfg.AdditionalSSHKeys as Hetzner SSH key resources, returning the cloud
// IDs every created server is attached to.
func ensureSSHKeys(ctx context.Context, c cloud.Client, cfg config.Config) ([]int64, error) {
	var ids []int64
	for _, path := range append([]string{cfg.SSHKey}, cfg.AdditionalSSHKeys...) {
		if path == "" {
			continue
		}
		pub, err := readPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", path, err)
		}
		key, err := c.EnsureSSHKey(ctx, filepath.Base(path), pub)
		if err != nil {
			return nil, fmt.Errorf("registering ssh key %s: %w", path, err)
		}
		ids = append(ids, key.ID)
	}
	return ids, nil
}

func readPublicKey(path string) (string, error) {
	b, err := os.ReadFile(expandHome(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// loadSigner loads the private key counterpart of cfg.SSHKey, by the
// standard ssh-keygen convention of the same path with the ".pub" suffix
// dropped, for the bootstrap driver's own SSH session to a freshly created
// server.
func loadSigner(cfg config.Config) (ssh.Signer, error) {
	privPath, err := privateKeyPath(cfg)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", privPath, err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", privPath, err)
	}
	return signer, nil
}

// privateKeyPath returns the private-key counterpart of cfg.SSHKey, by the
// standard ssh-keygen convention of the same path with ".pub" dropped.
func privateKeyPath(cfg config.Config) (string, error) {
	path := strings.TrimSuffix(expandHome(cfg.SSHKey), ".pub")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("locating private key %s: %w", path, err)
	}
	return path, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// buildResolver builds the label resolver shared by the scale-up and
// scale-down loops.
func buildResolver(c cloud.Client, cfg config.Config, sshKeyIDs []int64) *labels.Resolver {
	return labels.New(c, cfg.LabelPrefix, cfg.MetaLabel, labels.Defaults{
		Image:      cfg.DefaultImage,
		ServerType: cfg.DefaultServerType,
		Location:   cfg.DefaultLocation,
	}, cfg.Scripts, sshKeyIDs)
}

// ownedServers lists every server carrying the configured name prefix.
func ownedServers(ctx context.Context, c cloud.Client, prefix string) ([]model.Server, error) {
	return c.ListServers(ctx, fmt.Sprintf("prefix=%s", prefix))
}

// seedCounter derives the Counter seed from the highest uid already in use
// among owned recycle and standby servers, so restarting the controller
// never reuses a name.
func seedCounter(n *namer.Namer, names []string) int64 {
	var max int64
	for _, name := range names {
		_, parsed, ok := n.ParseRole(name)
		if !ok {
			continue
		}
		if parsed.UID > max {
			max = parsed.UID
		}
	}
	return max
}
