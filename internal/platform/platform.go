// Package platform defines the uniform Platform contract (C3) and the
// registry that owns one worker per configured service platform. It is
// the leaf module both the platform implementations and DeliveryService
// import, so no import cycle forms between them.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InboundMessage is what DeliveryService hands to a platform: the
// (possibly merge-absorbed) content plus enough routing context for the
// platform to maintain conversation continuity and @-reply composition.
type InboundMessage struct {
	InstanceID string
	ChatName   string
	Sender     string
	UserID     string // derived per store.UserID
	Content    string
	IsGroup    bool

	// ConversationID is the previously persisted id for this
	// (instance, chat, user, platform) tuple, if any.
	ConversationID string

	// Attachment, when non-empty, is a local file path the platform may
	// upload (e.g. Dify's upload_file_id flow).
	AttachmentPath string
	AttachmentType string // image | file | voice | video | none
}

// Result carries a platform's verdict on one inbound message.
type Result struct {
	Content        string
	ShouldReply    bool
	ConversationID string // non-empty when a new id should be persisted
	Raw            interface{}
	Err            error

	// SessionInvalid signals the caller should delete the stored
	// conversation mapping. Any retry without the stale id happens inside
	// the platform itself before it returns.
	SessionInvalid bool
}

// Platform is the uniform contract every service-platform kind implements.
type Platform interface {
	ID() string
	Name() string
	Kind() string
	Init() error // cheap; no network I/O
	TestConnection(ctx context.Context) error
	ProcessMessage(ctx context.Context, msg *InboundMessage) *Result
	Cleanup() error
}

// Factory builds a Platform from its opaque config blob.
type Factory func(id, name string, config map[string]interface{}) (Platform, error)

// Registry owns the live set of platform workers, hot-reloadable from
// Store.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	platforms map[string]Platform
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		platforms: make(map[string]Platform),
	}
}

// RegisterKind associates a platform kind (dify, openai, ...) with its
// constructor. Called once per kind at startup by each platform subpackage.
func (r *Registry) RegisterKind(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Upsert reconstructs or replaces the worker for platform_id using its
// kind's registered factory.
func (r *Registry) Upsert(id, name, kind string, config map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[kind]
	if !ok {
		return fmt.Errorf("unknown platform kind %q", kind)
	}
	p, err := factory(id, name, config)
	if err != nil {
		return fmt.Errorf("construct platform %s: %w", id, err)
	}
	if err := p.Init(); err != nil {
		return fmt.Errorf("init platform %s: %w", id, err)
	}
	if old, exists := r.platforms[id]; exists {
		_ = old.Cleanup()
	}
	r.platforms[id] = p
	return nil
}

// Remove tears down and drops a platform worker.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.platforms[id]; ok {
		_ = p.Cleanup()
		delete(r.platforms, id)
	}
}

// Get returns the live worker for platform_id.
func (r *Registry) Get(id string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}

// IDs returns the registered platform ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
