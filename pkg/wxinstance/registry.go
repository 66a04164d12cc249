package wxinstance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one Client per configured instance_id (C2). Add
// constructs the Client immediately; clients are not created lazily on
// first use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{clients: make(map[string]*Client), log: log}
}

// Add registers (or replaces) the client for an instance. A
// ratePerSecond <= 0 disables outbound rate limiting for that instance.
func (r *Registry) Add(instanceID, baseURL, apiKey string, ratePerSecond float64, rateBurst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[instanceID] = NewClient(instanceID, baseURL, apiKey, ratePerSecond, rateBurst, r.log)
}

// Get returns the client for an instance, or an error if unconfigured.
func (r *Registry) Get(instanceID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[instanceID]
	if !ok {
		return nil, fmt.Errorf("unknown instance %q", instanceID)
	}
	return c, nil
}

// Has reports whether an instance is registered.
func (r *Registry) Has(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[instanceID]
	return ok
}

// Remove drops a client, e.g. when an instance is disabled at reload.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, instanceID)
}

// List returns all registered instance ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
