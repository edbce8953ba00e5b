// Package inmem provides an in-memory implementation of session.Registry.
//
// It serves single-process deployments and tests. Deployments running several
// replicas should use features/session/redis so quotas are shared.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/callanalysis/runtime/session"
)

type (
	// Registry is an in-memory implementation of session.Registry.
	// It is safe for concurrent use.
	Registry struct {
		mu       sync.Mutex
		sessions map[string]session.Session
		opts     session.Options
	}
)

// New returns an empty Registry.
func New(opts ...session.Option) *Registry {
	return &Registry{
		sessions: make(map[string]session.Session),
		opts:     session.NewOptions(opts...),
	}
}

// Create implements session.Registry.
func (r *Registry) Create(_ context.Context) (session.Session, error) {
	id, err := session.NewID()
	if err != nil {
		return session.Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now().UTC()
	r.prune(now)
	if _, ok := r.sessions[id]; ok {
		return session.Session{}, errors.New("session id collision")
	}
	s := session.Session{ID: id, CreatedAt: now, LastAccess: now}
	r.sessions[id] = s
	return s, nil
}

// Touch implements session.Registry.
func (r *Registry) Touch(_ context.Context, id string) (session.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now().UTC()
	r.prune(now)
	s, ok := r.sessions[id]
	if !ok {
		return session.Session{}, false, nil
	}
	s.LastAccess = now
	r.sessions[id] = s
	return s, true, nil
}

// ChargeOne implements session.Registry.
func (r *Registry) ChargeOne(_ context.Context, id string) (session.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now().UTC()
	r.prune(now)
	s, ok := r.sessions[id]
	if !ok {
		return session.Session{}, false, session.ErrNotFound
	}
	if s.Analyses >= r.opts.Quota {
		return s, false, nil
	}
	s.Analyses++
	s.LastAccess = now
	r.sessions[id] = s
	return s, true, nil
}

// Quota implements session.Registry.
func (r *Registry) Quota() int { return r.opts.Quota }

// IdleTimeout implements session.Registry.
func (r *Registry) IdleTimeout() time.Duration { return r.opts.IdleTimeout }

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.opts.Now().UTC())
	return len(r.sessions)
}

// prune evicts expired sessions. Callers must hold mu.
func (r *Registry) prune(now time.Time) {
	for id, s := range r.sessions {
		if s.Expired(now, r.opts.IdleTimeout) {
			delete(r.sessions, id)
		}
	}
}
