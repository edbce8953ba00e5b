package inmem

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestCreateIssuesRandomIDs(t *testing.T) {
	r := New()
	ctx := context.Background()
	a, err := r.Create(ctx)
	require.NoError(t, err)
	b, err := r.Create(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	raw, err := base64.RawURLEncoding.DecodeString(a.ID)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	require.Equal(t, 2, r.Len())
}

func TestTouchUnknownSession(t *testing.T) {
	r := New()
	_, ok, err := r.Touch(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = r.ChargeOne(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionExpiresAfterIdleTimeout(t *testing.T) {
	clock := newClock()
	r := New(session.WithClock(clock.Now), session.WithIdleTimeout(30*time.Minute))
	ctx := context.Background()

	s, err := r.Create(ctx)
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	got, ok, err := r.Touch(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, clock.Now(), got.LastAccess)

	// Touch refreshed the session so another 30 minutes is still fine.
	clock.Advance(30 * time.Minute)
	_, ok, err = r.Touch(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(30*time.Minute + time.Second)
	_, ok, err = r.Touch(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestChargeOneEnforcesQuota(t *testing.T) {
	r := New()
	ctx := context.Background()
	s, err := r.Create(ctx)
	require.NoError(t, err)

	for i := 1; i <= session.DefaultQuota; i++ {
		got, ok, err := r.ChargeOne(ctx, s.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, got.Analyses)
	}
	got, ok, err := r.ChargeOne(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, ok, "11th analysis must be rejected")
	require.Equal(t, session.DefaultQuota, got.Analyses)
	require.Equal(t, 0, got.Remaining(r.Quota()))
}

func TestChargeOneConcurrent(t *testing.T) {
	r := New(session.WithQuota(7))
	ctx := context.Background()
	s, err := r.Create(ctx)
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := r.ChargeOne(ctx, s.ID); err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 7, admitted.Load())
}

func TestDefaults(t *testing.T) {
	r := New(session.WithQuota(0), session.WithIdleTimeout(-1))
	require.Equal(t, session.DefaultQuota, r.Quota())
	require.Equal(t, session.DefaultIdleTimeout, r.IdleTimeout())
}
