package cloud

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// priceCatalog is a snapshot of hourly server-type prices per location,
// loaded by HetznerClient.Refresh (eviction decisions need PricePerHour to
// be fast and never block on a network call).
type priceCatalog struct {
	mu     sync.RWMutex
	hourly map[string]map[string]float64 // serverType -> location -> price
}

func newPriceCatalog() *priceCatalog {
	return &priceCatalog{hourly: map[string]map[string]float64{}}
}

func (c *priceCatalog) load(types []*hcloud.ServerType) {
	next := make(map[string]map[string]float64, len(types))
	for _, st := range types {
		byLocation := make(map[string]float64, len(st.Pricings))
		for _, p := range st.Pricings {
			if p.Location == nil {
				continue
			}
			price, err := strconv.ParseFloat(p.Hourly.Gross, 64)
			if err != nil {
				continue
			}
			byLocation[p.Location.Name] = price
		}
		next[st.Name] = byLocation
	}

	c.mu.Lock()
	c.hourly = next
	c.mu.Unlock()
}

func (c *priceCatalog) lookup(serverType, location string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byLocation, ok := c.hourly[serverType]
	if !ok {
		return 0, fmt.Errorf("cloud: no price catalog entry for server type %q", serverType)
	}
	price, ok := byLocation[location]
	if !ok {
		return 0, fmt.Errorf("cloud: no price catalog entry for %q in location %q", serverType, location)
	}
	return price, nil
}
