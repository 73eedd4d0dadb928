package costestimate

import (
	"testing"

	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/model"
)

func TestComputeSumsMonthlyPrices(t *testing.T) {
	c := cloud.NewFakeClient()
	c.Prices = map[string]map[string]float64{
		"cx22":  {"fsn1": 0.01},
		"cpx21": {"fsn1": 0.02},
	}
	servers := []model.Server{
		{Name: "ci-1-1", ServerType: "cx22", Location: "fsn1"},
		{Name: "ci-2-2", ServerType: "cpx21", Location: "fsn1"},
	}

	est, err := Compute(c, servers)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if len(est.PerServer) != 2 {
		t.Fatalf("PerServer has %d entries, want 2", len(est.PerServer))
	}

	wantHourly := 0.03
	if diff := est.TotalHourly - wantHourly; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalHourly = %v, want %v", est.TotalHourly, wantHourly)
	}

	wantMonthly := wantHourly * HoursPerMonth
	if diff := est.TotalMonthly - wantMonthly; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("TotalMonthly = %v, want %v", est.TotalMonthly, wantMonthly)
	}
}

func TestComputeSkipsUnpricedServers(t *testing.T) {
	c := cloud.NewFakeClient()
	servers := []model.Server{
		{Name: "ci-1-1", ServerType: "unknown-type", Location: "mars1"},
	}

	est, err := Compute(c, servers)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if len(est.PerServer) != 0 {
		t.Errorf("PerServer has %d entries, want 0 for an unpriced server", len(est.PerServer))
	}
}

func TestSummaryFormatsTotals(t *testing.T) {
	est := Estimate{PerServer: []ServerCost{{}}, TotalHourly: 1.5, TotalMonthly: 1095}
	got := est.Summary()
	want := "1 servers, $1.50/h ($1095.00/mo est.)"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
