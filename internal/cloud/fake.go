package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pylonhq/fleetrunner/internal/model"
)

// FakeClient is an in-memory Client for control-loop tests. All state is
// protected by a single mutex; tests seed Servers/Images/ServerTypes/
// Locations/Prices directly before exercising the code under test.
type FakeClient struct {
	mu sync.Mutex

	nextID int64

	Servers     map[int64]model.Server
	Images      []Image
	ServerTypes []ServerType
	Locations   []Location
	SSHKeys     map[string]SSHKey
	Prices      map[string]map[string]float64

	// RunningImmediately, if true, makes CreateServer hand back a
	// model.Server already in ServerRunning so tests don't need to poll
	// WaitUntilRunning.
	RunningImmediately bool
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Servers: map[int64]model.Server{},
		SSHKeys: map[string]SSHKey{},
		Prices:  map[string]map[string]float64{},
	}
}

func (f *FakeClient) ListServers(ctx context.Context, labelSelector string) ([]model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	selector := parseSelector(labelSelector)
	var out []model.Server
	for _, s := range f.Servers {
		if matchesSelector(s.Labels, selector) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeClient) CreateServer(ctx context.Context, spec CreateServerSpec) (model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.Servers {
		if s.Name == spec.Name {
			return model.Server{}, fmt.Errorf("cloud: server name %q already exists: %w", spec.Name, ErrNameTaken)
		}
	}

	f.nextID++
	status := model.ServerStarting
	if f.RunningImmediately {
		status = model.ServerRunning
	}

	s := model.Server{
		Name:       spec.Name,
		CloudID:    f.nextID,
		Status:     status,
		ServerType: spec.ServerType,
		Location:   spec.Location,
		Image:      spec.Image,
		PublicIPv4: fmt.Sprintf("10.0.0.%d", f.nextID%254+1),
		CreatedAt:  time.Now(),
		Labels:     spec.Labels,
		SSHKeyIDs:  append([]int64(nil), spec.SSHKeyIDs...),
	}
	f.Servers[s.CloudID] = s
	return s, nil
}

func (f *FakeClient) DeleteServer(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Servers[id]; !ok {
		return fmt.Errorf("cloud: server %d not found", id)
	}
	delete(f.Servers, id)
	return nil
}

func (f *FakeClient) RenameServer(ctx context.Context, id int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Servers {
		if s.Name == name && s.CloudID != id {
			return fmt.Errorf("cloud: server name %q already exists: %w", name, ErrNameTaken)
		}
	}
	s, ok := f.Servers[id]
	if !ok {
		return fmt.Errorf("cloud: server %d not found", id)
	}
	s.Name = name
	f.Servers[id] = s
	return nil
}

func (f *FakeClient) RebuildServer(ctx context.Context, id int64, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Servers[id]
	if !ok {
		return fmt.Errorf("cloud: server %d not found", id)
	}
	s.Image = image
	s.Status = model.ServerStarting
	f.Servers[id] = s
	return nil
}

func (f *FakeClient) AttachSSHKeys(ctx context.Context, id int64, keyIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Servers[id]
	if !ok {
		return fmt.Errorf("cloud: server %d not found", id)
	}
	s.SSHKeyIDs = append([]int64(nil), keyIDs...)
	f.Servers[id] = s
	return nil
}

func (f *FakeClient) WaitUntilRunning(ctx context.Context, id int64, timeout time.Duration) (model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Servers[id]
	if !ok {
		return model.Server{}, fmt.Errorf("cloud: server %d not found", id)
	}
	s.Status = model.ServerRunning
	f.Servers[id] = s
	return s, nil
}

func (f *FakeClient) ListImages(ctx context.Context) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Image(nil), f.Images...), nil
}

func (f *FakeClient) ListServerTypes(ctx context.Context) ([]ServerType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerType(nil), f.ServerTypes...), nil
}

func (f *FakeClient) ListLocations(ctx context.Context) ([]Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Location(nil), f.Locations...), nil
}

func (f *FakeClient) EnsureSSHKey(ctx context.Context, name, publicKey string) (SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.SSHKeys[name]; ok {
		return existing, nil
	}
	f.nextID++
	key := SSHKey{ID: f.nextID, Name: name, PublicKey: publicKey}
	f.SSHKeys[name] = key
	return key, nil
}

func (f *FakeClient) PricePerHour(serverType, location string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byLocation, ok := f.Prices[serverType]
	if !ok {
		return 0, fmt.Errorf("cloud: no price catalog entry for server type %q", serverType)
	}
	price, ok := byLocation[location]
	if !ok {
		return 0, fmt.Errorf("cloud: no price catalog entry for %q in location %q", serverType, location)
	}
	return price, nil
}

// parseSelector and matchesSelector implement the small subset of
// Hetzner's label-selector syntax the controller needs: a comma-separated
// list of "key=value" equality terms, ANDed together.
func parseSelector(selector string) map[string]string {
	out := map[string]string{}
	if selector == "" {
		return out
	}
	for _, term := range strings.Split(selector, ",") {
		k, v, ok := strings.Cut(term, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func matchesSelector(labels model.ServerLabels, selector map[string]string) bool {
	asMap := map[string]string{
		"role":               string(labels.Role),
		"server_type":        labels.ServerType,
		"location":           labels.Location,
		"image":              labels.Image,
		"runner_labels_hash": labels.RunnerLabelsHash,
		"prefix":             labels.Prefix,
	}
	for k, v := range selector {
		if asMap[k] != v {
			return false
		}
	}
	return true
}
