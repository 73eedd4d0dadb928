// Package labels translates a job's label set into a RunnerSpec: the
// server type, location, image, and setup/startup scripts a server must
// have to satisfy the job, resolved against the cloud's live catalogs.
package labels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/model"
	"github.com/pylonhq/fleetrunner/internal/xerrors"
)

// maxExpandedLabels bounds meta-label expansion so a pathological config
// (a meta-label whose list references hundreds of other labels) cannot
// make a single job's RunnerSpec derivation unbounded.
const maxExpandedLabels = 100

// Defaults are the RunnerSpec fields used when a job's labels do not
// specify a reserved category.
type Defaults struct {
	Image      string
	ServerType string
	Location   string
}

// Resolver derives RunnerSpec values from job labels, validating reserved
// categories against the cloud's live catalogs.
type Resolver struct {
	cloudClient cloud.Client
	prefix      string
	metaLabels  map[string][]string
	defaults    Defaults
	scriptsDir  string
	sshKeyIDs   []int64
}

func New(c cloud.Client, prefix string, metaLabels map[string][]string, defaults Defaults, scriptsDir string, sshKeyIDs []int64) *Resolver {
	return &Resolver{
		cloudClient: c,
		prefix:      prefix,
		metaLabels:  metaLabels,
		defaults:    defaults,
		scriptsDir:  scriptsDir,
		sshKeyIDs:   sshKeyIDs,
	}
}

// Resolve derives a RunnerSpec from a job's raw label set. A resolution
// failure is always wrapped in *xerrors.Precondition: the job is rejected
// for this tick, not retried until its label set changes.
func (r *Resolver) Resolve(ctx context.Context, jobLabels []string) (model.RunnerSpec, error) {
	expanded := r.expandMetaLabels(jobLabels)

	cats, extra, err := partition(expanded, r.prefix)
	if err != nil {
		return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
	}

	serverType := cats.serverType
	if serverType == "" {
		serverType = r.defaults.ServerType
	}
	if err := r.validateServerType(ctx, serverType); err != nil {
		return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
	}

	location := cats.location
	if location == "" {
		location = r.defaults.Location
	}
	if location != "" {
		if err := r.validateLocation(ctx, location); err != nil {
			return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
		}
	}

	image := cats.image
	if image == "" {
		image = r.defaults.Image
	}
	resolvedImage, err := r.resolveImage(ctx, image)
	if err != nil {
		return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
	}

	setupPath, err := r.scriptPath(cats.setup)
	if err != nil {
		return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
	}
	startupPath, err := r.scriptPath(cats.startup)
	if err != nil {
		return model.RunnerSpec{}, &xerrors.Precondition{Err: err}
	}

	spec := model.RunnerSpec{
		ServerType:        serverType,
		Location:          location,
		Image:             resolvedImage,
		SetupScriptPath:   setupPath,
		StartupScriptPath: startupPath,
		ExtraLabels:       extra,
		SSHKeyIDs:         append([]int64(nil), r.sshKeyIDs...),
	}
	spec.Fingerprint = Fingerprint(spec)
	return spec, nil
}

// expandMetaLabels expands any label equal to a configured meta-label key
// into its list, one level deep (the expansion is never re-scanned for
// further meta-label keys), with first-occurrence-wins on collisions and a
// hard cap on the resulting set size.
func (r *Resolver) expandMetaLabels(jobLabels []string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(label string) bool {
		if seen[label] {
			return true
		}
		if len(out) >= maxExpandedLabels {
			return false
		}
		seen[label] = true
		out = append(out, label)
		return true
	}

	for _, label := range jobLabels {
		if expansion, ok := r.metaLabels[label]; ok {
			for _, e := range expansion {
				if !add(e) {
					return out
				}
			}
			continue
		}
		if !add(label) {
			return out
		}
	}
	return out
}

type categories struct {
	serverType string
	location   string
	image      string
	setup      string
	startup    string
}

// partition splits labels into the reserved categories and the remaining
// extra_labels. A category appearing more than once is a precondition
// failure.
func partition(labels []string, prefix string) (categories, []string, error) {
	var cats categories
	var extra []string

	strip := func(label, tag string) (string, bool) {
		full := tag
		if prefix != "" {
			full = prefix + tag
		}
		if strings.HasPrefix(label, full) {
			return strings.TrimPrefix(label, full), true
		}
		return "", false
	}

	assign := func(dst *string, value, category string) error {
		if *dst != "" {
			return fmt.Errorf("more than one %s label present", category)
		}
		*dst = value
		return nil
	}

	for _, label := range labels {
		switch {
		case hasCategory(label, prefix, "type-"):
			v, _ := strip(label, "type-")
			if err := assign(&cats.serverType, v, "type-"); err != nil {
				return categories{}, nil, err
			}
		case hasCategory(label, prefix, "in-"):
			v, _ := strip(label, "in-")
			if err := assign(&cats.location, v, "in-"); err != nil {
				return categories{}, nil, err
			}
		case hasCategory(label, prefix, "image-"):
			v, _ := strip(label, "image-")
			if err := assign(&cats.image, v, "image-"); err != nil {
				return categories{}, nil, err
			}
		case hasCategory(label, prefix, "setup-"):
			v, _ := strip(label, "setup-")
			if err := assign(&cats.setup, v, "setup-"); err != nil {
				return categories{}, nil, err
			}
		case hasCategory(label, prefix, "startup-"):
			v, _ := strip(label, "startup-")
			if err := assign(&cats.startup, v, "startup-"); err != nil {
				return categories{}, nil, err
			}
		default:
			extra = append(extra, label)
		}
	}

	return cats, extra, nil
}

func hasCategory(label, prefix, tag string) bool {
	full := tag
	if prefix != "" {
		full = prefix + tag
	}
	return strings.HasPrefix(label, full)
}

func (r *Resolver) validateServerType(ctx context.Context, name string) error {
	types, err := r.cloudClient.ListServerTypes(ctx)
	if err != nil {
		return fmt.Errorf("looking up server type %q: %w", name, err)
	}
	for _, t := range types {
		if t.Name == name {
			return nil
		}
	}
	return fmt.Errorf("unknown server type %q", name)
}

func (r *Resolver) validateLocation(ctx context.Context, name string) error {
	locations, err := r.cloudClient.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("looking up location %q: %w", name, err)
	}
	for _, l := range locations {
		if l.Name == name {
			return nil
		}
	}
	return fmt.Errorf("unknown location %q", name)
}

// resolveImage parses an "{arch}:{kind}:{name}" image reference and
// resolves it against the cloud's image catalog. system and app images
// match by name; snapshot and backup images match by description (the
// only metadata a user-created image reliably carries).
func (r *Resolver) resolveImage(ctx context.Context, ref string) (string, error) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("image reference %q must be \"arch:kind:name\"", ref)
	}
	arch, kind, name := parts[0], parts[1], parts[2]

	if arch != "x86" && arch != "arm" {
		return "", fmt.Errorf("image reference %q has unknown architecture %q", ref, arch)
	}
	switch kind {
	case "system", "snapshot", "backup", "app":
	default:
		return "", fmt.Errorf("image reference %q has unknown kind %q", ref, kind)
	}

	images, err := r.cloudClient.ListImages(ctx)
	if err != nil {
		return "", fmt.Errorf("looking up image %q: %w", ref, err)
	}

	for _, img := range images {
		if img.Type != kind || img.Architecture != arch {
			continue
		}
		switch kind {
		case "system", "app":
			if img.Name == name {
				return img.Name, nil
			}
		case "snapshot", "backup":
			if img.Description == name {
				return img.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no %s:%s image matching %q", arch, kind, name)
}

// scriptPath resolves a user-provided script name against the configured
// scripts directory. An empty name is not an error — the category was
// simply absent and no script runs for it.
func (r *Resolver) scriptPath(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if r.scriptsDir == "" {
		return "", fmt.Errorf("script %q referenced but no scripts directory is configured", name)
	}
	return filepath.Join(r.scriptsDir, name), nil
}

// Fingerprint returns the stable hash of the attributes a recycle
// candidate must match to serve spec: server type, image, location, and
// SSH key set.
func Fingerprint(spec model.RunnerSpec) string {
	keyIDs := append([]int64(nil), spec.SSHKeyIDs...)
	sort.Slice(keyIDs, func(i, j int) bool { return keyIDs[i] < keyIDs[j] })

	keyParts := make([]string, len(keyIDs))
	for i, id := range keyIDs {
		keyParts[i] = strconv.FormatInt(id, 10)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", spec.ServerType, spec.Location, spec.Image, strings.Join(keyParts, ","))
	return hex.EncodeToString(h.Sum(nil))
}
