// Package costestimate provides a thin, fully-tested estimate of current
// monthly spend from the live server inventory and the cloud price
// catalog. No scaling decision depends on it; the only consumer is the
// CLI's status command.
package costestimate

import (
	"fmt"

	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/model"
)

// HoursPerMonth is the conventional 730-hour month (365 days × 24 h / 12)
// used to turn an hourly price into a monthly estimate.
const HoursPerMonth = 730

// ServerCost is one server's contribution to the estimate.
type ServerCost struct {
	ServerName  string
	ServerType  string
	Location    string
	HourlyPrice float64
	MonthlyCost float64
}

// Estimate is the total monthly cost estimate across every owned server,
// broken down per server for a detailed CLI report.
type Estimate struct {
	PerServer    []ServerCost
	TotalHourly  float64
	TotalMonthly float64
}

// Compute estimates current monthly spend: sum(price_per_hour(server) for
// server in owned) * HoursPerMonth. A server whose price cannot be looked
// up (an unlisted server_type/location combination) is skipped rather
// than failing the whole estimate, since the CLI's status command should
// still report what it can.
func Compute(c cloud.Client, servers []model.Server) (Estimate, error) {
	var est Estimate
	for _, s := range servers {
		price, err := c.PricePerHour(s.ServerType, s.Location)
		if err != nil {
			continue
		}
		monthly := price * HoursPerMonth
		est.PerServer = append(est.PerServer, ServerCost{
			ServerName:  s.Name,
			ServerType:  s.ServerType,
			Location:    s.Location,
			HourlyPrice: price,
			MonthlyCost: monthly,
		})
		est.TotalHourly += price
		est.TotalMonthly += monthly
	}
	return est, nil
}

// Summary renders a one-line human-readable total, for the CLI's status
// command to print alongside the per-server breakdown.
func (e Estimate) Summary() string {
	return fmt.Sprintf("%d servers, $%.2f/h ($%.2f/mo est.)", len(e.PerServer), e.TotalHourly, e.TotalMonthly)
}
