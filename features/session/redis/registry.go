// Package redis implements session.Registry on top of Redis so that several
// replicas share session quotas.
//
// Each session is stored as a hash {created, last, count} whose key TTL is the
// idle timeout. Every mutation runs as a single Lua script so concurrent
// charges from different replicas are serialized by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/callanalysis/runtime/session"
)

type (
	// Registry is a Redis-backed session.Registry.
	Registry struct {
		rdb    redis.UniversalClient
		prefix string
		opts   session.Options
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// DefaultPrefix is the default key prefix of session hashes.
const DefaultPrefix = "callanalysis:session:"

var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'created', ARGV[1], 'last', ARGV[1], 'count', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], 'last', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local v = redis.call('HMGET', KEYS[1], 'created', 'last', 'count')
return {1, v[1], v[2], v[3]}
`)

	chargeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local ok = 0
if tonumber(redis.call('HGET', KEYS[1], 'count')) < tonumber(ARGV[3]) then
  redis.call('HINCRBY', KEYS[1], 'count', 1)
  redis.call('HSET', KEYS[1], 'last', ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ok = 1
end
local v = redis.call('HMGET', KEYS[1], 'created', 'last', 'count')
return {ok, v[1], v[2], v[3]}
`)
)

// WithPrefix sets the key prefix of session hashes.
func WithPrefix(p string) Option {
	return func(r *Registry) {
		if p != "" {
			r.prefix = p
		}
	}
}

// WithSessionOptions sets the quota, idle timeout and clock.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) {
		r.opts = session.NewOptions(opts...)
	}
}

// New returns a Registry storing sessions in rdb.
func New(rdb redis.UniversalClient, opts ...Option) (*Registry, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	r := &Registry{rdb: rdb, prefix: DefaultPrefix, opts: session.NewOptions()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Create implements session.Registry.
func (r *Registry) Create(ctx context.Context) (session.Session, error) {
	id, err := session.NewID()
	if err != nil {
		return session.Session{}, err
	}
	now := r.opts.Now().UTC()
	created, err := createScript.Run(ctx, r.rdb, []string{r.key(id)}, now.UnixMilli(), r.ttl()).Int()
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return session.Session{}, errors.New("session id collision")
	}
	return session.Session{ID: id, CreatedAt: now.Truncate(time.Millisecond), LastAccess: now.Truncate(time.Millisecond)}, nil
}

// Touch implements session.Registry.
func (r *Registry) Touch(ctx context.Context, id string) (session.Session, bool, error) {
	if id == "" {
		return session.Session{}, false, nil
	}
	res, err := touchScript.Run(ctx, r.rdb, []string{r.key(id)}, r.opts.Now().UnixMilli(), r.ttl()).Slice()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("touch session: %w", err)
	}
	s, _, err := decode(id, res)
	if err != nil {
		return session.Session{}, false, err
	}
	return s, true, nil
}

// ChargeOne implements session.Registry.
func (r *Registry) ChargeOne(ctx context.Context, id string) (session.Session, bool, error) {
	if id == "" {
		return session.Session{}, false, session.ErrNotFound
	}
	res, err := chargeScript.Run(ctx, r.rdb, []string{r.key(id)}, r.opts.Now().UnixMilli(), r.ttl(), r.opts.Quota).Slice()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, false, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("charge session: %w", err)
	}
	return decode(id, res)
}

// Quota implements session.Registry.
func (r *Registry) Quota() int { return r.opts.Quota }

// IdleTimeout implements session.Registry.
func (r *Registry) IdleTimeout() time.Duration { return r.opts.IdleTimeout }

// Ping checks the Redis connection. It lets the registry serve as a health
// dependency.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Name identifies the registry in health reports.
func (r *Registry) Name() string { return "redis" }

func (r *Registry) key(id string) string { return r.prefix + id }

func (r *Registry) ttl() int64 { return r.opts.IdleTimeout.Milliseconds() }

// decode converts a script reply {ok, created, last, count} into a Session.
func decode(id string, res []any) (session.Session, bool, error) {
	if len(res) != 4 {
		return session.Session{}, false, fmt.Errorf("unexpected session reply of length %d", len(res))
	}
	vals := make([]int64, 4)
	for i, v := range res {
		n, err := toInt(v)
		if err != nil {
			return session.Session{}, false, fmt.Errorf("decode session field %d: %w", i, err)
		}
		vals[i] = n
	}
	return session.Session{
		ID:         id,
		CreatedAt:  time.UnixMilli(vals[1]).UTC(),
		LastAccess: time.UnixMilli(vals[2]).UTC(),
		Analyses:   int(vals[3]),
	}, vals[0] == 1, nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
