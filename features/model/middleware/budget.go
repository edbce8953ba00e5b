// Package middleware provides model.Client middlewares: call instrumentation
// and a tokens-per-minute budget that can be shared by every replica of the
// analyzer.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/callanalysis/runtime/model"
)

type (
	// BudgetOptions configures a TokenBudget.
	BudgetOptions struct {
		// TokensPerMinute is the starting budget. It defaults to 60000.
		TokensPerMinute float64
		// MaxTokensPerMinute caps additive increases. Values below
		// TokensPerMinute are raised to it.
		MaxTokensPerMinute float64
		// Shared and Key coordinate the budget across processes through a
		// replicated map entry. Both must be set.
		Shared *rmap.Map
		Key    string
	}

	// TokenBudget throttles model calls against a tokens-per-minute budget.
	// A rate limited response halves the budget and every successful call
	// raises it by a fixed step, never leaving [floor, ceiling]. A single
	// budget serves all stages of all analyses running in the process.
	TokenBudget struct {
		bucket  *rate.Limiter
		floor   float64
		ceiling float64
		step    float64
		shared  *sharedBudget

		mu  sync.Mutex
		tpm float64
	}

	budgetedClient struct {
		next   model.Client
		budget *TokenBudget
	}

	// sharedStore is the subset of *rmap.Map backing a shared budget.
	sharedStore interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// sharedBudget is the replicated copy of a budget.
	sharedBudget struct {
		store sharedStore
		key   string
	}
)

const (
	defaultTokensPerMinute = 60000
	// completionReserve is charged when a request leaves MaxTokens unset.
	completionReserve = 512
	// charsPerToken approximates the tokenizers of the supported providers.
	charsPerToken = 3

	sharedUpdateTimeout  = 2 * time.Second
	sharedUpdateAttempts = 3
)

// NewTokenBudget returns a budget. When opts names a shared map entry, the
// entry is seeded with the starting budget if missing, the local budget
// starts from its value and follows its changes until ctx is canceled. A
// budget that cannot reach the map falls back to a process-local one.
func NewTokenBudget(ctx context.Context, opts BudgetOptions) *TokenBudget {
	var store sharedStore
	if opts.Shared != nil {
		store = opts.Shared
	}
	return newTokenBudget(ctx, store, opts.Key, opts.TokensPerMinute, opts.MaxTokensPerMinute)
}

func newTokenBudget(ctx context.Context, store sharedStore, key string, tpm, maxTPM float64) *TokenBudget {
	if tpm <= 0 {
		tpm = defaultTokensPerMinute
	}
	b := &TokenBudget{
		bucket:  rate.NewLimiter(perSecond(tpm), int(tpm)),
		floor:   max(tpm/10, 1),
		ceiling: max(maxTPM, tpm),
		step:    max(tpm/20, 1),
		tpm:     tpm,
	}
	if store == nil || key == "" {
		return b
	}
	shared := &sharedBudget{store: store, key: key}
	if err := shared.seed(ctx, tpm); err != nil {
		return b
	}
	if v, ok := shared.value(); ok {
		b.adjust(func(float64) float64 { return v })
	}
	b.shared = shared
	go b.follow(ctx, store.Subscribe())
	return b
}

// Middleware returns a model.Client middleware charging every call against
// the budget.
func (b *TokenBudget) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &budgetedClient{next: next, budget: b}
	}
}

// TPM returns the current tokens-per-minute budget.
func (b *TokenBudget) TPM() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tpm
}

// Complete waits for budget before delegating and adapts the budget to the
// outcome.
func (c *budgetedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.budget.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.budget.observe(err)
	return resp, err
}

func (b *TokenBudget) wait(ctx context.Context, req *model.Request) error {
	n := estimateTokens(req)
	// After a backoff the bucket may be smaller than a large prompt.
	if burst := b.bucket.Burst(); n > burst {
		n = burst
	}
	return b.bucket.WaitN(ctx, n)
}

func (b *TokenBudget) observe(err error) {
	var next func(float64) float64
	switch {
	case err == nil:
		next = func(cur float64) float64 { return cur + b.step }
	case errors.Is(err, model.ErrRateLimited):
		next = func(cur float64) float64 { return cur / 2 }
	default:
		return
	}
	if !b.adjust(next) || b.shared == nil {
		return
	}
	go b.shared.update(next, b.floor, b.ceiling)
}

// adjust sets the budget to next(current) clamped to [floor, ceiling] and
// reports whether it changed.
func (b *TokenBudget) adjust(next func(float64) float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := min(max(next(b.tpm), b.floor), b.ceiling)
	if v == b.tpm {
		return false
	}
	b.tpm = v
	b.bucket.SetLimit(perSecond(v))
	b.bucket.SetBurst(int(v))
	return true
}

// follow applies changes of the shared budget made by other processes.
func (b *TokenBudget) follow(ctx context.Context, events <-chan rmap.EventKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if v, ok := b.shared.value(); ok {
				b.adjust(func(float64) float64 { return v })
			}
		}
	}
}

func (s *sharedBudget) seed(ctx context.Context, tpm float64) error {
	if _, ok := s.store.Get(s.key); ok {
		return nil
	}
	_, err := s.store.SetIfNotExists(ctx, s.key, formatTPM(tpm))
	return err
}

func (s *sharedBudget) value() (float64, bool) {
	raw, ok := s.store.Get(s.key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// update applies next to the shared value with compare-and-swap, retrying a
// few times when another process wins the race.
func (s *sharedBudget) update(next func(float64) float64, floor, ceiling float64) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedUpdateTimeout)
	defer cancel()
	for range sharedUpdateAttempts {
		raw, ok := s.store.Get(s.key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		v := min(max(next(cur), floor), ceiling)
		if v == cur {
			return
		}
		prev, err := s.store.TestAndSet(ctx, s.key, raw, formatTPM(v))
		if err != nil || prev == raw {
			return
		}
	}
}

// estimateTokens approximates the tokens consumed by req: the prompt at
// charsPerToken runes per token plus the completion cap.
func estimateTokens(req *model.Request) int {
	runes := 0
	for _, m := range req.Messages {
		if m != nil {
			runes += utf8.RuneCountInString(m.Content)
		}
	}
	completion := req.MaxTokens
	if completion <= 0 {
		completion = completionReserve
	}
	return runes/charsPerToken + completion
}

func perSecond(tpm float64) rate.Limit { return rate.Limit(tpm / 60) }

func formatTPM(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }
