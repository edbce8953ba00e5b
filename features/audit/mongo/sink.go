// Package mongo implements an audit.Sink persisting events in a MongoDB
// collection. Events expire through a TTL index on their timestamp.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/callanalysis/runtime/audit"
)

type (
	// Options configures the Mongo sink.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		// Timeout bounds each database operation.
		Timeout time.Duration
		// TTL is how long events are retained. Zero keeps events forever.
		TTL time.Duration
	}

	// Sink is a Mongo-backed audit.Sink.
	Sink struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	collection interface {
		InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
		CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error
	}

	cursor interface {
		All(ctx context.Context, results any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

var _ health.Pinger = (*Sink)(nil)

const (
	defaultCollection = "audit_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "audit-mongo"
)

// New returns a Sink writing to the configured collection. It creates the
// session and TTL indexes when missing.
func New(ctx context.Context, opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	s, err := newSink(opts.Client, mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := ensureIndexes(ctx, s.coll, opts.TTL); err != nil {
		return nil, fmt.Errorf("create audit indexes: %w", err)
	}
	return s, nil
}

func newSink(client *mongodriver.Client, coll collection, timeout time.Duration) (*Sink, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{mongo: client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Record implements audit.Sink. Recording the same event twice is a no-op.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	if ev.ID == "" {
		return errors.New("event id is required")
	}
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	if ev.Time.IsZero() {
		return errors.New("event time is required")
	}
	ev.Time = ev.Time.UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, ev); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// BySession returns the most recent events recorded for sessionID, newest
// first.
func (s *Sink) BySession(ctx context.Context, sessionID string, limit int) ([]audit.Event, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("find audit events: %w", err)
	}
	var events []audit.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode audit events: %w", err)
	}
	return events, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection, ttl time.Duration) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "time", Value: -1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "time", Value: -1}}},
	}
	if ttl > 0 {
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "time", Value: 1}},
			Options: options.Index().SetName("time_ttl").SetExpireAfterSeconds(int32(ttl / time.Second)), //nolint:gosec // bounded by config validation
		})
	}
	return coll.CreateIndexes(ctx, models)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}
