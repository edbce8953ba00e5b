package pulse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/callanalysis/runtime/audit"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if endpoint, err := testRedisContainer.Endpoint(ctx, ""); err != nil {
		fmt.Printf("Failed to get container endpoint: %v\n", err)
		skipIntegration = true
	} else {
		testRedisClient = redis.NewClient(&redis.Options{Addr: endpoint})
		if err := testRedisClient.Ping(ctx).Err(); err != nil {
			fmt.Printf("Failed to ping redis: %v\n", err)
			skipIntegration = true
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

type fakeStream struct {
	mu     sync.Mutex
	events []*streaming.Event
	err    error
	reader *fakeReader
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("%d-0", len(f.events)+1)
	f.events = append(f.events, &streaming.Event{ID: id, EventName: event, Payload: payload})
	return id, nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *streaming.Event, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	f.reader = &fakeReader{ch: ch}
	return f.reader, nil
}

type fakeReader struct {
	ch     chan *streaming.Event
	acked  []string
	closed bool
}

func (r *fakeReader) Subscribe() <-chan *streaming.Event { return r.ch }

func (r *fakeReader) Ack(_ context.Context, ev *streaming.Event) error {
	r.acked = append(r.acked, ev.ID)
	return nil
}

func (r *fakeReader) Close(context.Context) { r.closed = true }

func sampleEvent(typ audit.EventType) audit.Event {
	return audit.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Time:        time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC),
		SessionID:   "sess-1",
		Fingerprint: "abc",
		Findings:    []audit.Finding{{Field: "metadata.age", Rule: "maximum", Severity: audit.SeverityError, Message: "too large"}},
		Code:        -32602,
	}
}

func TestCodecPreservesEvents(t *testing.T) {
	ev := sampleEvent(audit.EventValidationRejected)
	b, err := Marshal(ev)
	require.NoError(t, err)
	again, err := Marshal(ev)
	require.NoError(t, err)
	require.Equal(t, b, again)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.True(t, ev.Time.Equal(got.Time))
	got.Time = ev.Time
	require.Equal(t, ev, got)
}

func TestRecordAndConsume(t *testing.T) {
	fs := &fakeStream{}
	s := newSink(fs, time.Second)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, sampleEvent(audit.EventValidationRejected)))
	require.NoError(t, s.Record(ctx, sampleEvent(audit.EventPipelineCompleted)))
	require.Error(t, s.Record(ctx, audit.Event{}))
	require.Equal(t, "pipeline.completed", fs.events[1].EventName)

	var seen []audit.EventType
	err := s.Consume(ctx, "archiver", func(_ context.Context, ev audit.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []audit.EventType{audit.EventValidationRejected, audit.EventPipelineCompleted}, seen)
	require.Equal(t, []string{"1-0", "2-0"}, fs.reader.acked)
	require.True(t, fs.reader.closed)
}

func TestConsumeStopsOnHandlerError(t *testing.T) {
	fs := &fakeStream{}
	s := newSink(fs, 0)
	require.NoError(t, s.Record(context.Background(), sampleEvent(audit.EventQuotaExceeded)))

	boom := errors.New("boom")
	err := s.Consume(context.Background(), "archiver", func(context.Context, audit.Event) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Empty(t, fs.reader.acked)

	require.Error(t, s.Consume(context.Background(), "", func(context.Context, audit.Event) error { return nil }))
	require.Error(t, s.Consume(context.Background(), "archiver", nil))
}

func TestRecordWrapsStreamErrors(t *testing.T) {
	s := newSink(&fakeStream{err: errors.New("redis down")}, 0)
	require.ErrorContains(t, s.Record(context.Background(), sampleEvent(audit.EventRateLimited)), "redis down")

	_, err := New(Options{})
	require.Error(t, err)
}

func TestSinkWithRedis(t *testing.T) {
	if skipIntegration {
		t.Skip("Docker not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(Options{Redis: testRedisClient, Stream: "audit-" + uuid.NewString()[:8], MaxLen: 100})
	require.NoError(t, err)
	want := sampleEvent(audit.EventPipelineFailed)
	require.NoError(t, s.Record(ctx, want))

	done := errors.New("done")
	err = s.Consume(ctx, "test", func(_ context.Context, ev audit.Event) error {
		require.Equal(t, want.ID, ev.ID)
		return done
	}, streamopts.WithSinkStartAtOldest())
	require.ErrorIs(t, err, done)
}
