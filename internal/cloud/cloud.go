// Package cloud defines a typed wrapper over the IaaS REST API: servers,
// images, locations, server types, SSH keys, and prices. internal/scaleup
// and internal/scaledown depend only on the Client interface, never on the
// concrete Hetzner implementation, so tests run against FakeClient.
package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/pylonhq/fleetrunner/internal/model"
)

// ErrNameTaken is returned, wrapped, by CreateServer and RenameServer when
// the requested name already belongs to another server. Because server
// names are deterministic, a caller seeing this can treat it as evidence
// that another worker already created the resource it wanted — the
// naming invariant makes a second create/rename attempt for the same name
// safe to treat as success, not failure.
var ErrNameTaken = errors.New("cloud: server name already taken")

// CreateServerSpec describes a server to create. Labels are written
// verbatim to the cloud resource; the controller never infers ownership
// from anything but the name prefix and these labels together.
type CreateServerSpec struct {
	Name       string
	ServerType string
	Location   string
	Image      string
	SSHKeyIDs  []int64
	UserData   string
	Labels     model.ServerLabels
}

// Image is a bootable disk image: a system image (published by the
// provider), an application image, or a user-created snapshot or backup.
type Image struct {
	ID           int64
	Name         string
	Description  string
	Type         string // "system", "app", "snapshot", "backup"
	Architecture string // "x86" or "arm"
}

// ServerType is a billable compute shape (e.g. "cx22", "cpx21", "cax21").
type ServerType struct {
	Name         string
	Architecture string
	Cores        int
	MemoryGB     float32
	DiskGB       int
}

// Location is a datacenter region the provider offers.
type Location struct {
	Name        string
	Description string
	Country     string
}

// SSHKey is an uploaded public key a server can be booted with.
type SSHKey struct {
	ID        int64
	Name      string
	PublicKey string
}

// Client is the capability set the controller needs from the cloud:
// list/create/delete/rename servers, list images/types/locations/prices,
// and manage SSH keys. A provider-neutral interface keeps internal/scaleup
// and internal/scaledown testable against a fake.
type Client interface {
	ListServers(ctx context.Context, labelSelector string) ([]model.Server, error)
	CreateServer(ctx context.Context, spec CreateServerSpec) (model.Server, error)
	DeleteServer(ctx context.Context, id int64) error
	RenameServer(ctx context.Context, id int64, name string) error
	RebuildServer(ctx context.Context, id int64, image string) error
	AttachSSHKeys(ctx context.Context, id int64, keyIDs []int64) error
	WaitUntilRunning(ctx context.Context, id int64, timeout time.Duration) (model.Server, error)

	ListImages(ctx context.Context) ([]Image, error)
	ListServerTypes(ctx context.Context) ([]ServerType, error)
	ListLocations(ctx context.Context) ([]Location, error)
	EnsureSSHKey(ctx context.Context, name, publicKey string) (SSHKey, error)
	PricePerHour(serverType, location string) (float64, error)
}
