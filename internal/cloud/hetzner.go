package cloud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/pylonhq/fleetrunner/internal/model"
)

// HetznerClient implements Client over the Hetzner Cloud REST API.
type HetznerClient struct {
	raw *hcloud.Client

	prices *priceCatalog
}

var _ Client = (*HetznerClient)(nil)

// NewHetznerClient builds a HetznerClient authenticated with token. The
// price catalog is empty until Refresh is called; the CLI calls Refresh
// once when it builds the client, and nothing refreshes it after that.
func NewHetznerClient(token string, opts ...hcloud.ClientOption) *HetznerClient {
	allOpts := append([]hcloud.ClientOption{hcloud.WithToken(token)}, opts...)
	return &HetznerClient{
		raw:    hcloud.NewClient(allOpts...),
		prices: newPriceCatalog(),
	}
}

// Refresh re-fetches the server-type price catalog. The CLI calls it once
// at startup; there is no periodic refresh, so the catalog stays as
// fetched for the process lifetime.
func (c *HetznerClient) Refresh(ctx context.Context) error {
	types, _, err := c.raw.ServerType.List(ctx, hcloud.ServerTypeListOpts{})
	if err != nil {
		return fmt.Errorf("cloud: refreshing price catalog: %w", err)
	}
	c.prices.load(types)
	return nil
}

func (c *HetznerClient) ListServers(ctx context.Context, labelSelector string) ([]model.Server, error) {
	servers, err := c.raw.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: labelSelector},
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: listing servers with selector %q: %w", labelSelector, err)
	}

	out := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, toModelServer(s))
	}
	return out, nil
}

func (c *HetznerClient) CreateServer(ctx context.Context, spec CreateServerSpec) (model.Server, error) {
	sshKeys := make([]*hcloud.SSHKey, 0, len(spec.SSHKeyIDs))
	for _, id := range spec.SSHKeyIDs {
		sshKeys = append(sshKeys, &hcloud.SSHKey{ID: id})
	}

	result, _, err := c.raw.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: spec.ServerType},
		Image:      &hcloud.Image{Name: spec.Image},
		Location:   &hcloud.Location{Name: spec.Location},
		SSHKeys:    sshKeys,
		UserData:   spec.UserData,
		Labels:     labelsToMap(spec.Labels),
	})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			return model.Server{}, fmt.Errorf("cloud: creating server %q: %w", spec.Name, ErrNameTaken)
		}
		return model.Server{}, fmt.Errorf("cloud: creating server %q: %w", spec.Name, err)
	}
	return toModelServer(result.Server), nil
}

func (c *HetznerClient) DeleteServer(ctx context.Context, id int64) error {
	if _, _, err := c.raw.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id}); err != nil {
		return fmt.Errorf("cloud: deleting server %d: %w", id, err)
	}
	return nil
}

func (c *HetznerClient) RenameServer(ctx context.Context, id int64, name string) error {
	if _, _, err := c.raw.Server.Update(ctx, &hcloud.Server{ID: id}, hcloud.ServerUpdateOpts{Name: name}); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			return fmt.Errorf("cloud: renaming server %d to %q: %w", id, name, ErrNameTaken)
		}
		return fmt.Errorf("cloud: renaming server %d to %q: %w", id, name, err)
	}
	return nil
}

func (c *HetznerClient) RebuildServer(ctx context.Context, id int64, image string) error {
	action, _, err := c.raw.Server.RebuildWithResult(ctx, &hcloud.Server{ID: id}, hcloud.ServerRebuildOpts{
		Image: &hcloud.Image{Name: image},
	})
	if err != nil {
		return fmt.Errorf("cloud: rebuilding server %d with image %q: %w", id, image, err)
	}
	return c.waitAction(ctx, action)
}

// AttachSSHKeys installs fresh key material on an already-created server by
// enabling rescue mode with the given keys, the one hcloud operation that
// pushes SSH keys onto a server outside of creation time. The keys apply
// to the rescue system on the server's next boot; nothing here reboots
// the server or checks that the keys took.
func (c *HetznerClient) AttachSSHKeys(ctx context.Context, id int64, keyIDs []int64) error {
	sshKeys := make([]*hcloud.SSHKey, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		sshKeys = append(sshKeys, &hcloud.SSHKey{ID: keyID})
	}
	if _, _, err := c.raw.Server.EnableRescue(ctx, &hcloud.Server{ID: id}, hcloud.ServerEnableRescueOpts{
		Type:    hcloud.ServerRescueTypeLinux64,
		SSHKeys: sshKeys,
	}); err != nil {
		return fmt.Errorf("cloud: attaching ssh keys to server %d: %w", id, err)
	}
	return nil
}

func (c *HetznerClient) WaitUntilRunning(ctx context.Context, id int64, timeout time.Duration) (model.Server, error) {
	deadline := time.Now().Add(timeout)
	for {
		server, _, err := c.raw.Server.GetByID(ctx, id)
		if err != nil {
			return model.Server{}, fmt.Errorf("cloud: polling server %d: %w", id, err)
		}
		if server == nil {
			return model.Server{}, fmt.Errorf("cloud: server %d no longer exists", id)
		}
		if server.Status == hcloud.ServerStatusRunning {
			return toModelServer(server), nil
		}
		if time.Now().After(deadline) {
			return model.Server{}, fmt.Errorf("cloud: server %d did not reach running within %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return model.Server{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *HetznerClient) ListImages(ctx context.Context) ([]Image, error) {
	images, err := c.raw.Image.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: listing images: %w", err)
	}
	out := make([]Image, 0, len(images))
	for _, img := range images {
		arch := "x86"
		if img.Architecture == hcloud.ArchitectureARM {
			arch = "arm"
		}
		out = append(out, Image{
			ID:           img.ID,
			Name:         img.Name,
			Description:  img.Description,
			Type:         string(img.Type),
			Architecture: arch,
		})
	}
	return out, nil
}

func (c *HetznerClient) ListServerTypes(ctx context.Context) ([]ServerType, error) {
	types, err := c.raw.ServerType.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: listing server types: %w", err)
	}
	out := make([]ServerType, 0, len(types))
	for _, st := range types {
		arch := "x86"
		if st.Architecture == hcloud.ArchitectureARM {
			arch = "arm"
		}
		out = append(out, ServerType{
			Name:         st.Name,
			Architecture: arch,
			Cores:        st.Cores,
			MemoryGB:     float32(st.Memory),
			DiskGB:       st.Disk,
		})
	}
	return out, nil
}

func (c *HetznerClient) ListLocations(ctx context.Context) ([]Location, error) {
	locations, err := c.raw.Location.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: listing locations: %w", err)
	}
	out := make([]Location, 0, len(locations))
	for _, l := range locations {
		out = append(out, Location{Name: l.Name, Description: l.Description, Country: l.Country})
	}
	return out, nil
}

func (c *HetznerClient) EnsureSSHKey(ctx context.Context, name, publicKey string) (SSHKey, error) {
	existing, _, err := c.raw.SSHKey.GetByName(ctx, name)
	if err != nil {
		return SSHKey{}, fmt.Errorf("cloud: looking up ssh key %q: %w", name, err)
	}
	if existing != nil {
		return SSHKey{ID: existing.ID, Name: existing.Name, PublicKey: existing.PublicKey}, nil
	}

	created, _, err := c.raw.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: publicKey,
	})
	if err != nil {
		return SSHKey{}, fmt.Errorf("cloud: creating ssh key %q: %w", name, err)
	}
	return SSHKey{ID: created.ID, Name: created.Name, PublicKey: created.PublicKey}, nil
}

func (c *HetznerClient) PricePerHour(serverType, location string) (float64, error) {
	return c.prices.lookup(serverType, location)
}

func (c *HetznerClient) waitAction(ctx context.Context, action *hcloud.Action) error {
	progress, errCh := c.raw.Action.WatchProgress(ctx, action)
	for {
		select {
		case <-progress:
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("cloud: waiting for action %d: %w", action.ID, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func toModelServer(s *hcloud.Server) model.Server {
	if s == nil {
		return model.Server{}
	}
	status := model.ServerOff
	switch s.Status {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		status = model.ServerStarting
	case hcloud.ServerStatusRunning:
		status = model.ServerRunning
	case hcloud.ServerStatusStopping:
		status = model.ServerStopping
	}

	var ip string
	if s.PublicNet.IPv4.IP != nil {
		ip = s.PublicNet.IPv4.IP.String()
	}

	// The Hetzner API does not report a server's SSH key set after
	// creation; callers that need it track key IDs alongside the name at
	// creation time instead of reading them back here.
	return model.Server{
		Name:       s.Name,
		CloudID:    s.ID,
		Status:     status,
		ServerType: s.ServerType.Name,
		Location:   s.Datacenter.Location.Name,
		Image:      imageRef(s.Image),
		PublicIPv4: ip,
		CreatedAt:  s.Created,
		Labels:     labelsFromMap(s.Labels),
	}
}

func imageRef(img *hcloud.Image) string {
	if img == nil {
		return ""
	}
	if img.Name != "" {
		return img.Name
	}
	return strconv.FormatInt(img.ID, 10)
}

func labelsToMap(l model.ServerLabels) map[string]string {
	return map[string]string{
		"role":               string(l.Role),
		"server_type":        l.ServerType,
		"location":           l.Location,
		"image":              l.Image,
		"runner_labels_hash": l.RunnerLabelsHash,
		"prefix":             l.Prefix,
	}
}

func labelsFromMap(m map[string]string) model.ServerLabels {
	return model.ServerLabels{
		Role:             model.Role(m["role"]),
		ServerType:       m["server_type"],
		Location:         m["location"],
		Image:            m["image"],
		RunnerLabelsHash: m["runner_labels_hash"],
		Prefix:           m["prefix"],
	}
}
