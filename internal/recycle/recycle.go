// Package recycle indexes powered-off, controller-owned servers carrying
// the recycle tag by their fingerprint, and implements the eviction
// policy used when the scale-up loop needs a slot that no recyclable
// server can fill.
package recycle

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pylonhq/fleetrunner/internal/model"
)

// Pool is an in-memory index over recyclable servers, keyed by the
// fingerprint each server carries in its own Labels.RunnerLabelsHash — the
// same value model.RunnerSpec.Fingerprint holds for the spec that created
// it. Real Hetzner servers never report their attached SSH key IDs back on
// a list call, so a candidate's fingerprint cannot be recomputed from its
// observed attributes; the label written at creation time is the only
// place the original (serverType, location, image, ssh keys) tuple survives
// intact. Pool is rebuilt from a fresh cloud snapshot at the start of every
// scale-up tick and never mutated concurrently — eventual consistency
// between ticks is acceptable because the naming invariants prevent
// double-use of a server.
type Pool struct {
	byFingerprint map[string][]model.Server
	fingerprintOf map[int64]string
}

// Build indexes servers by their stored fingerprint label. Only entries the
// caller has already filtered to role=recycle, status=off belong in
// servers; Build does not re-filter, so a scale-up loop that wants "off and
// recyclable" semantics must apply that filter before calling it. A server
// with no fingerprint label (pre-dating this scheme, or created outside the
// controller) is skipped — it can never be matched or evicted through the
// pool.
func Build(servers []model.Server) *Pool {
	p := &Pool{
		byFingerprint: make(map[string][]model.Server),
		fingerprintOf: make(map[int64]string),
	}
	for _, s := range servers {
		key := s.Labels.RunnerLabelsHash
		if key == "" {
			continue
		}
		p.byFingerprint[key] = append(p.byFingerprint[key], s)
		p.fingerprintOf[s.CloudID] = key
	}
	return p
}

// Match returns a recyclable server whose stored fingerprint equals spec's,
// i.e. one created for the identical (server_type, location, image,
// ssh_key_set) tuple. Matching a larger server type than requested is
// never attempted — the match is strict equality on every attribute the
// spec names, never a capability superset, so a job never silently lands
// on a more expensive host than it asked for.
func (p *Pool) Match(spec model.RunnerSpec) (model.Server, bool) {
	candidates := p.byFingerprint[spec.Fingerprint]
	if len(candidates) == 0 {
		return model.Server{}, false
	}
	return candidates[0], true
}

// Remove drops a server from the pool once it has been claimed by a
// rename-and-rebuild task or evicted, so a concurrent caller within the
// same tick cannot claim it twice.
func (p *Pool) Remove(cloudID int64) {
	key, ok := p.fingerprintOf[cloudID]
	if !ok {
		return
	}
	candidates := p.byFingerprint[key]
	for i, c := range candidates {
		if c.CloudID == cloudID {
			p.byFingerprint[key] = append(candidates[:i], candidates[i+1:]...)
			break
		}
	}
	delete(p.fingerprintOf, cloudID)
}

// All returns every indexed server, for eviction scans that consider the
// whole pool rather than a single fingerprint bucket.
func (p *Pool) All() []model.Server {
	var out []model.Server
	for _, bucket := range p.byFingerprint {
		out = append(out, bucket...)
	}
	return out
}

// PriceLookup resolves the hourly price of a server_type/location pair,
// satisfied by cloud.Client.PricePerHour in production.
type PriceLookup func(serverType, location string) (float64, error)

// Evict picks at most one recycle-pool server to delete to free a slot
// for a non-matching new server, per the eviction policy: uniformly at
// random when deleteRandom is set, otherwise the candidate with the
// lowest unused budget in the current billing hour, ties broken by
// oldest CreatedAt.
func Evict(pool *Pool, deleteRandom bool, price PriceLookup, ageSeconds func(model.Server) int64) (model.Server, error) {
	candidates := pool.All()
	if len(candidates) == 0 {
		return model.Server{}, fmt.Errorf("recycle pool is empty, nothing to evict")
	}

	if deleteRandom {
		victim := candidates[rand.Intn(len(candidates))]
		pool.Remove(victim.CloudID)
		return victim, nil
	}

	type scored struct {
		server       model.Server
		unusedBudget float64
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		hourlyPrice, err := price(c.ServerType, c.Location)
		if err != nil {
			return model.Server{}, fmt.Errorf("pricing %s in %s: %w", c.ServerType, c.Location, err)
		}
		pricePerMinute := hourlyPrice / 60
		minuteInHour := model.MinuteInHour(ageSeconds(c))
		unusedBudget := float64(60-minuteInHour) * pricePerMinute
		scoredCandidates = append(scoredCandidates, scored{server: c, unusedBudget: unusedBudget})
	}

	sort.SliceStable(scoredCandidates, func(i, j int) bool {
		if scoredCandidates[i].unusedBudget != scoredCandidates[j].unusedBudget {
			return scoredCandidates[i].unusedBudget < scoredCandidates[j].unusedBudget
		}
		return scoredCandidates[i].server.CreatedAt.Before(scoredCandidates[j].server.CreatedAt)
	})

	victim := scoredCandidates[0].server
	pool.Remove(victim.CloudID)
	return victim, nil
}
