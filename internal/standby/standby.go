// Package standby computes the desired-versus-current bookkeeping for
// standby runner pools, factored out of the scale-down loop's fourth pass
// so the promote-vs-create decision is independently testable as a pure
// function with no I/O.
package standby

import "github.com/pylonhq/fleetrunner/internal/model"

// Group mirrors one configured standby_runners entry.
type Group struct {
	Name                 string
	Labels               []string
	Count                int
	ReplenishImmediately bool
}

// Plan is the outcome of reconciling one group against the current server
// and runner inventory: how many new standby servers to create this tick.
type Plan struct {
	Group    string
	Desired  int
	Current  int
	ToCreate int
}

// StandbyServer is the minimal view of an owned server Reconcile needs: a
// name (to match the group's name-prefix convention) and whether its
// runner is currently online and whether that runner is busy.
type StandbyServer struct {
	Name         string
	RunnerOnline bool
	RunnerBusy   bool
}

// Reconcile computes how many servers must be created to bring group up
// to its configured count. current counts standby-named servers whose
// runner is online; when ReplenishImmediately is false, a busy standby
// runner still counts toward current (its slot is considered filled until
// the job finishes), matching the open-question decision that a standby
// server which finishes a job does not rejoin the pool — Reconcile is
// never handed ex-standby servers that have already been renamed away
// from the standby-{group}- prefix.
func Reconcile(group Group, namePrefix func(name string) bool, servers []StandbyServer) Plan {
	current := 0
	for _, s := range servers {
		if !namePrefix(s.Name) {
			continue
		}
		if !s.RunnerOnline {
			continue
		}
		if s.RunnerBusy && !group.ReplenishImmediately {
			current++
			continue
		}
		if !s.RunnerBusy {
			current++
		}
	}

	toCreate := group.Count - current
	if toCreate < 0 {
		toCreate = 0
	}

	return Plan{Group: group.Name, Desired: group.Count, Current: current, ToCreate: toCreate}
}

// PromotionCandidate reports whether a queued job's RunnerSpec matches a
// standby group closely enough that scale-up should rename a standby
// server into the active name rather than create a new one. Matching
// mirrors the recycle pool's strict policy: same server_type, image, and
// SSH key set, and same location when the spec requests one.
func PromotionCandidate(spec model.RunnerSpec, group Group, fingerprint func(model.RunnerSpec) string, groupSpec model.RunnerSpec) bool {
	if spec.Location != "" && spec.Location != groupSpec.Location {
		return false
	}
	probe := groupSpec
	probe.Location = spec.Location
	return fingerprint(spec) == fingerprint(probe)
}
