package weave

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/oremus-labs/aip-weave/internal/metrics"
)

// ErrSessionExists is returned when a session id is already registered.
var ErrSessionExists = errors.New("weave: session already exists")

// Registry holds the live sessions of a gateway process.
type Registry struct {
	defaults Config
	deps     Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry; defaults fill fields left empty on Create.
func NewRegistry(defaults Config, deps Deps) *Registry {
	return &Registry{
		defaults: defaults,
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session. An empty session id gets a generated one.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	cfg = r.withDefaults(cfg)
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	r.mu.Lock()
	if _, ok := r.sessions[cfg.SessionID]; ok {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}
	// Reserve the id while the initial platform request runs.
	r.sessions[cfg.SessionID] = nil
	r.mu.Unlock()

	s, err := NewSession(ctx, cfg, r.deps)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.sessions, cfg.SessionID)
		return nil, err
	}
	r.sessions[cfg.SessionID] = s
	metrics.SetActiveSessions(r.countLocked())
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok && s != nil
}

// IDs lists live session ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Delete closes and removes a session.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s == nil {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	metrics.SetActiveSessions(r.countLocked())
	r.mu.Unlock()

	s.Close()
	return true
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	metrics.SetActiveSessions(0)
	r.mu.Unlock()

	for _, s := range sessions {
		if s != nil {
			s.Close()
		}
	}
}

func (r *Registry) withDefaults(cfg Config) Config {
	d := r.defaults
	if cfg.OperatorURL == "" {
		cfg.OperatorURL = d.OperatorURL
		if cfg.OperatorAPIKey == "" {
			cfg.OperatorAPIKey = d.OperatorAPIKey
		}
	}
	if cfg.PlatformID == "" {
		cfg.PlatformID = d.PlatformID
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = d.DefaultLocale
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.PageURL == "" {
		cfg.PageURL = d.PageURL
	}
	if cfg.Initial.Geo == "" {
		cfg.Initial.Geo = d.Initial.Geo
	}
	if len(d.Theme) > 0 {
		merged := make(map[string]interface{}, len(d.Theme)+len(cfg.Theme))
		for k, v := range d.Theme {
			merged[k] = v
		}
		for k, v := range cfg.Theme {
			merged[k] = v
		}
		cfg.Theme = merged
	}
	return cfg
}

func (r *Registry) countLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s != nil {
			n++
		}
	}
	return n
}
