package ciapi

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Config carries the credentials and transport options a Constructor needs
// to build a live Provider. Unlike the stateless providers a registry
// usually holds, a CI REST client is credentialed per process, so the
// registry stores factories rather than ready instances.
type Config struct {
	// Token authenticates REST calls (a GitHub PAT or installation token).
	Token string

	// BaseURL overrides the provider's default API host, for GitHub
	// Enterprise Server or similar self-hosted deployments. Empty means
	// the provider's public SaaS endpoint.
	BaseURL string

	// CacheDir, if non-empty, backs the provider's conditional-GET cache
	// with an on-disk store instead of the in-memory default.
	CacheDir string

	// Transport, if set, is used as the base RoundTripper beneath the
	// provider's caching layer. Tests inject a fake transport here.
	Transport http.RoundTripper
}

// Constructor builds a Provider from a Config. Implementations register one
// under their name via Register, typically from an init function.
type Constructor func(cfg Config) (Provider, error)

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes a provider constructor available under name. Register
// panics on a duplicate name — that is a programming error, not a runtime
// condition callers should recover from.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := constructors[name]; exists {
		panic(fmt.Sprintf("ciapi: provider %q already registered", name))
	}
	constructors[name] = ctor
}

// Get builds the named provider from cfg, or returns an error if name was
// never registered.
func Get(name string, cfg Config) (Provider, error) {
	mu.RLock()
	ctor, ok := constructors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown CI provider %q (available: %v)", name, Names())
	}
	return ctor(cfg)
}

// Names returns the sorted list of registered provider names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
