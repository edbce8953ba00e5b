package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/callanalysis/runtime/model"
)

type (
	stubClient struct {
		err   error
		calls int
	}

	memoryStore struct {
		mu     sync.Mutex
		values map[string]string
		events chan rmap.EventKind
	}
)

func (c *stubClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &model.Response{Content: []model.Message{{Role: model.RoleAssistant, Content: "{}"}}}, nil
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, events: make(chan rmap.EventKind, 8)}
}

func (m *memoryStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memoryStore) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *memoryStore) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.values[key]
	if cur == test {
		m.values[key] = value
		m.notify()
	}
	return cur, nil
}

func (m *memoryStore) Subscribe() <-chan rmap.EventKind { return m.events }

func (m *memoryStore) notify() {
	select {
	case m.events <- rmap.EventChange:
	default:
	}
}

func stageRequest() *model.Request {
	return &model.Request{
		Messages:  []*model.Message{{Role: model.RoleUser, Content: "Analyze the conversation stage."}},
		MaxTokens: 10,
	}
}

func TestTokenBudgetHalvesOnRateLimit(t *testing.T) {
	b := newTokenBudget(context.Background(), nil, "", 60000, 60000)
	limited := &model.ProviderError{Provider: "anthropic", Operation: "messages.new", Status: 429, Kind: model.ProviderErrorKindRateLimited}
	client := b.Middleware()(&stubClient{err: limited})

	_, err := client.Complete(context.Background(), stageRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 30000.0, b.TPM())

	// Repeated backoffs stop at the floor.
	for range 10 {
		_, _ = client.Complete(context.Background(), stageRequest())
	}
	require.Equal(t, 6000.0, b.TPM())
}

func TestTokenBudgetIgnoresOtherErrors(t *testing.T) {
	b := newTokenBudget(context.Background(), nil, "", 60000, 120000)
	_, _ = b.Middleware()(&stubClient{err: errors.New("boom")}).Complete(context.Background(), stageRequest())
	require.Equal(t, 60000.0, b.TPM())
}

func TestTokenBudgetGrowsOnSuccessUpToCeiling(t *testing.T) {
	b := newTokenBudget(context.Background(), nil, "", 60000, 66000)
	client := b.Middleware()(&stubClient{})

	_, err := client.Complete(context.Background(), stageRequest())
	require.NoError(t, err)
	require.Equal(t, 63000.0, b.TPM())

	_, _ = client.Complete(context.Background(), stageRequest())
	_, _ = client.Complete(context.Background(), stageRequest())
	require.Equal(t, 66000.0, b.TPM())
}

func TestTokenBudgetHonorsCancellation(t *testing.T) {
	b := newTokenBudget(context.Background(), nil, "", 60, 60)
	stub := &stubClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: strings.Repeat("a", 600)}}}
	_, err := b.Middleware()(stub).Complete(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stub.calls)
}

func TestEstimateTokens(t *testing.T) {
	short := estimateTokens(&model.Request{Messages: []*model.Message{{Content: "short"}}})
	long := estimateTokens(&model.Request{Messages: []*model.Message{{Content: "Agent: thanks for taking my call today"}}})
	require.Positive(t, short)
	require.Greater(t, long, short)
	require.Equal(t, completionReserve, estimateTokens(&model.Request{}))

	// Runes, not bytes.
	require.Equal(t, 2+completionReserve, estimateTokens(&model.Request{Messages: []*model.Message{{Content: "ééééééé"}}}))
	require.Equal(t, 2+2000, estimateTokens(&model.Request{Messages: []*model.Message{{Content: "ééééééé"}}, MaxTokens: 2000}))
}

func TestMiddlewareKeepsNilClient(t *testing.T) {
	require.Nil(t, newTokenBudget(context.Background(), nil, "", 100, 100).Middleware()(nil))
}

func TestSharedBudgetBackoffPropagates(t *testing.T) {
	store := newMemoryStore()
	store.values["anthropic:claude"] = "80000"
	b := newTokenBudget(context.Background(), store, "anthropic:claude", 80000, 80000)

	_, _ = b.Middleware()(&stubClient{err: model.ErrRateLimited}).Complete(context.Background(), stageRequest())
	require.Eventually(t, func() bool {
		v, _ := store.Get("anthropic:claude")
		return v == "40000"
	}, time.Second, 5*time.Millisecond)
}

func TestSharedBudgetSeedsAndFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newMemoryStore()
	b := newTokenBudget(ctx, store, "openai:gpt", 40000, 80000)

	v, ok := store.Get("openai:gpt")
	require.True(t, ok)
	require.Equal(t, "40000", v)

	_, err := store.TestAndSet(ctx, "openai:gpt", "40000", "60000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.TPM() == 60000 }, time.Second, 5*time.Millisecond)

	// Values outside the local bounds are clamped.
	_, err = store.TestAndSet(ctx, "openai:gpt", "60000", "500000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.TPM() == 80000 }, time.Second, 5*time.Millisecond)
}

func TestSharedBudgetStartsFromSharedValue(t *testing.T) {
	store := newMemoryStore()
	store.values["k"] = "20000"
	b := newTokenBudget(context.Background(), store, "k", 40000, 40000)
	require.Equal(t, 20000.0, b.TPM())
}

func TestNewTokenBudgetWithoutMap(t *testing.T) {
	b := NewTokenBudget(context.Background(), BudgetOptions{TokensPerMinute: 1000, MaxTokensPerMinute: 500})
	require.Equal(t, 1000.0, b.TPM())
	require.Equal(t, float64(defaultTokensPerMinute), NewTokenBudget(context.Background(), BudgetOptions{}).TPM())
}
