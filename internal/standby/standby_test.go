package standby

import (
	"strings"
	"testing"

	"github.com/pylonhq/fleetrunner/internal/model"
)

func groupPrefix(group string) func(string) bool {
	return func(name string) bool {
		return strings.HasPrefix(name, "ci-standby-"+group+"-")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Reconcile
// ────────────────────────────────────────────────────────────────────────────

func TestReconcileCreatesShortfall(t *testing.T) {
	group := Group{Name: "g0", Count: 3}
	plan := Reconcile(group, groupPrefix("g0"), nil)

	if plan.ToCreate != 3 {
		t.Errorf("ToCreate = %d, want 3", plan.ToCreate)
	}
}

func TestReconcileCountsOnlineIdleStandby(t *testing.T) {
	group := Group{Name: "g0", Count: 2}
	servers := []StandbyServer{
		{Name: "ci-standby-g0-1", RunnerOnline: true, RunnerBusy: false},
		{Name: "ci-standby-g0-2", RunnerOnline: false, RunnerBusy: false},
	}
	plan := Reconcile(group, groupPrefix("g0"), servers)

	if plan.Current != 1 {
		t.Errorf("Current = %d, want 1 (only the online one)", plan.Current)
	}
	if plan.ToCreate != 1 {
		t.Errorf("ToCreate = %d, want 1", plan.ToCreate)
	}
}

func TestReconcileIgnoresOtherGroups(t *testing.T) {
	group := Group{Name: "g0", Count: 1}
	servers := []StandbyServer{
		{Name: "ci-standby-g1-1", RunnerOnline: true, RunnerBusy: false},
	}
	plan := Reconcile(group, groupPrefix("g0"), servers)

	if plan.Current != 0 {
		t.Errorf("Current = %d, want 0 (g1 server should not count toward g0)", plan.Current)
	}
}

func TestReconcileReplenishImmediateExcludesBusy(t *testing.T) {
	group := Group{Name: "g0", Count: 1, ReplenishImmediately: true}
	servers := []StandbyServer{
		{Name: "ci-standby-g0-1", RunnerOnline: true, RunnerBusy: true},
	}
	plan := Reconcile(group, groupPrefix("g0"), servers)

	if plan.Current != 0 {
		t.Errorf("Current = %d, want 0 (replenish_immediately should not count a busy standby runner)", plan.Current)
	}
	if plan.ToCreate != 1 {
		t.Errorf("ToCreate = %d, want 1", plan.ToCreate)
	}
}

func TestReconcileNotReplenishImmediateCountsBusy(t *testing.T) {
	group := Group{Name: "g0", Count: 1, ReplenishImmediately: false}
	servers := []StandbyServer{
		{Name: "ci-standby-g0-1", RunnerOnline: true, RunnerBusy: true},
	}
	plan := Reconcile(group, groupPrefix("g0"), servers)

	if plan.Current != 1 {
		t.Errorf("Current = %d, want 1 (bucket stays counted as filled while mid-job)", plan.Current)
	}
	if plan.ToCreate != 0 {
		t.Errorf("ToCreate = %d, want 0", plan.ToCreate)
	}
}

func TestReconcileNeverGoesNegative(t *testing.T) {
	group := Group{Name: "g0", Count: 1}
	servers := []StandbyServer{
		{Name: "ci-standby-g0-1", RunnerOnline: true, RunnerBusy: false},
		{Name: "ci-standby-g0-2", RunnerOnline: true, RunnerBusy: false},
	}
	plan := Reconcile(group, groupPrefix("g0"), servers)

	if plan.ToCreate != 0 {
		t.Errorf("ToCreate = %d, want 0, never negative", plan.ToCreate)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// PromotionCandidate
// ────────────────────────────────────────────────────────────────────────────

func testFingerprint(spec model.RunnerSpec) string {
	return spec.ServerType + "|" + spec.Location + "|" + spec.Image
}

func TestPromotionCandidateMatches(t *testing.T) {
	group := Group{Name: "g0"}
	groupSpec := model.RunnerSpec{ServerType: "cpx21", Image: "ubuntu-22.04"}
	jobSpec := model.RunnerSpec{ServerType: "cpx21", Image: "ubuntu-22.04"}

	if !PromotionCandidate(jobSpec, group, testFingerprint, groupSpec) {
		t.Error("PromotionCandidate should match identical specs")
	}
}

func TestPromotionCandidateRejectsDifferentLocation(t *testing.T) {
	group := Group{Name: "g0"}
	groupSpec := model.RunnerSpec{ServerType: "cpx21", Location: "nbg1", Image: "ubuntu-22.04"}
	jobSpec := model.RunnerSpec{ServerType: "cpx21", Location: "fsn1", Image: "ubuntu-22.04"}

	if PromotionCandidate(jobSpec, group, testFingerprint, groupSpec) {
		t.Error("PromotionCandidate should reject a job that requests a different location")
	}
}

func TestPromotionCandidateAllowsUnspecifiedLocation(t *testing.T) {
	group := Group{Name: "g0"}
	groupSpec := model.RunnerSpec{ServerType: "cpx21", Location: "nbg1", Image: "ubuntu-22.04"}
	jobSpec := model.RunnerSpec{ServerType: "cpx21", Image: "ubuntu-22.04"}

	if !PromotionCandidate(jobSpec, group, testFingerprint, groupSpec) {
		t.Error("PromotionCandidate should allow a job with no location requirement")
	}
}
