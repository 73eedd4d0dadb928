// Package namer encodes and decodes the controller's server naming
// schema, the single join key between the CI provider's job queue and the
// cloud's server inventory. A server whose name matches
// "{prefix}-*" is controller-owned; every other server is invisible to the
// controller.
package namer

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Namer builds and parses server names under a fixed prefix.
type Namer struct {
	prefix string
}

func New(prefix string) *Namer {
	return &Namer{prefix: prefix}
}

// Prefix returns the configured label prefix.
func (n *Namer) Prefix() string { return n.prefix }

// Active returns the deterministic name for an active server serving the
// job identified by (runID, jobID).
func (n *Namer) Active(runID, jobID int64) string {
	return fmt.Sprintf("%s-%d-%d", n.prefix, runID, jobID)
}

// Recycle returns the name a powered-off active server is renamed to when
// kept warm for reuse.
func (n *Namer) Recycle(uid int64) string {
	return fmt.Sprintf("%s-recycle-%d", n.prefix, uid)
}

// Standby returns the name of the uid'th pre-provisioned server in the
// named standby group.
func (n *Namer) Standby(group string, uid int64) string {
	return fmt.Sprintf("%s-standby-%s-%d", n.prefix, group, uid)
}

// IsOwned reports whether name carries the controller's prefix.
func (n *Namer) IsOwned(name string) bool {
	return strings.HasPrefix(name, n.prefix+"-")
}

// ParseRole classifies an owned name into its role and, where applicable,
// the identifiers encoded in it. ok is false if name is not controller-
// owned or does not match any known schema.
func (n *Namer) ParseRole(name string) (role Role, parsed Parsed, ok bool) {
	if !n.IsOwned(name) {
		return "", Parsed{}, false
	}
	rest := strings.TrimPrefix(name, n.prefix+"-")
	parts := strings.Split(rest, "-")

	switch {
	case len(parts) == 3 && parts[0] == "standby":
		uid, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return "", Parsed{}, false
		}
		return RoleStandby, Parsed{Group: parts[1], UID: uid}, true

	case len(parts) == 2 && parts[0] == "recycle":
		uid, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return "", Parsed{}, false
		}
		return RoleRecycle, Parsed{UID: uid}, true

	case len(parts) == 2:
		runID, err1 := strconv.ParseInt(parts[0], 10, 64)
		jobID, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return "", Parsed{}, false
		}
		return RoleActive, Parsed{RunID: runID, JobID: jobID}, true

	default:
		return "", Parsed{}, false
	}
}

// Role mirrors model.Role but is kept local to avoid namer depending on
// model for a three-value string type.
type Role string

const (
	RoleActive  Role = "active"
	RoleRecycle Role = "recycle"
	RoleStandby Role = "standby"
)

// Parsed carries whichever identifiers ParseRole found, depending on Role:
// RunID/JobID for RoleActive, UID for RoleRecycle, Group/UID for
// RoleStandby.
type Parsed struct {
	RunID int64
	JobID int64
	Group string
	UID   int64
}

// Counter hands out monotonically increasing uids for recycle and standby
// names, so two names are never reused even across process restarts.
type Counter struct {
	next atomic.Int64
}

// NewCounter seeds a Counter so its first Next() call returns seed+1. Seed
// the counter at startup from the highest uid observed among existing
// "{prefix}-recycle-*" and "{prefix}-standby-*-*" servers.
func NewCounter(seed int64) *Counter {
	c := &Counter{}
	c.next.Store(seed)
	return c
}

// Next returns the next uid in the sequence.
func (c *Counter) Next() int64 {
	return c.next.Add(1)
}
