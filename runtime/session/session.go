// Package session defines the caller session registry used to enforce the
// per-session analysis quota and idle expiry.
//
// A Session is created explicitly by the protocol adapter, touched on every
// request and charged once per admitted analysis. Sessions are never ended
// explicitly: they expire after IdleTimeout without access.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

type (
	// Session captures the state of a caller session.
	Session struct {
		// ID is the opaque session identifier (256 random bits, base64url).
		ID string `json:"id"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"createdAt"`
		// LastAccess records the most recent Touch or ChargeOne.
		LastAccess time.Time `json:"lastAccess"`
		// Analyses counts admitted analyses. It never decreases.
		Analyses int `json:"analyses"`
	}

	// Registry tracks caller sessions.
	//
	// Contract:
	// - All mutations are serialized per registry: concurrent ChargeOne calls
	//   on one session never admit more than Quota analyses.
	// - Expired sessions behave exactly like unknown sessions.
	// - Charges are never refunded.
	Registry interface {
		// Create issues a new session.
		Create(ctx context.Context) (Session, error)
		// Touch refreshes the last access time. It returns false (and evicts
		// the session) when the session is unknown or idle for longer than
		// IdleTimeout.
		Touch(ctx context.Context, id string) (Session, bool, error)
		// ChargeOne increments the analyses counter. It returns false without
		// changing the session when the counter already reached Quota and
		// ErrNotFound when the session is unknown or expired.
		ChargeOne(ctx context.Context, id string) (Session, bool, error)
		// Quota returns the maximum number of analyses per session.
		Quota() int
		// IdleTimeout returns the idle duration after which sessions expire.
		IdleTimeout() time.Duration
	}

	// Options configures registry implementations.
	Options struct {
		// Quota is the maximum number of analyses per session.
		Quota int
		// IdleTimeout is the idle duration after which sessions expire.
		IdleTimeout time.Duration
		// Now returns the current time. Tests inject a fake clock.
		Now func() time.Time
	}

	// Option mutates Options.
	Option func(*Options)
)

const (
	// DefaultQuota is the default number of analyses per session.
	DefaultQuota = 10
	// DefaultIdleTimeout is the default session idle timeout.
	DefaultIdleTimeout = 30 * time.Minute

	idBytes = 32
)

// ErrNotFound indicates the session does not exist or expired.
var ErrNotFound = errors.New("session not found")

// WithQuota sets the per-session analysis quota.
func WithQuota(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Quota = n
		}
	}
}

// WithIdleTimeout sets the session idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.IdleTimeout = d
		}
	}
}

// WithClock sets the clock used to stamp and expire sessions.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		Quota:       DefaultQuota,
		IdleTimeout: DefaultIdleTimeout,
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewID returns a new session identifier made of 32 bytes read from
// crypto/rand encoded as unpadded base64url.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Expired reports whether s was idle for longer than idle at now.
func (s Session) Expired(now time.Time, idle time.Duration) bool {
	return now.Sub(s.LastAccess) > idle
}

// Remaining returns the number of analyses still admitted under quota.
func (s Session) Remaining(quota int) int {
	if r := quota - s.Analyses; r > 0 {
		return r
	}
	return 0
}
