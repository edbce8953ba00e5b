package model

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderErrorRateLimited(t *testing.T) {
	pe := FromStatus("anthropic", "messages.new", http.StatusTooManyRequests, "rate_limit_error", "slow down", "req-1", errors.New("429"))
	require.True(t, pe.Retryable())
	require.ErrorIs(t, pe, ErrRateLimited)
	wrapped := fmt.Errorf("stage call: %w", pe)
	require.ErrorIs(t, wrapped, ErrRateLimited)
	got, ok := AsProviderError(wrapped)
	require.True(t, ok)
	require.Equal(t, "req-1", got.RequestID)
}

func TestKindForStatus(t *testing.T) {
	require.Equal(t, ProviderErrorKindAuth, KindForStatus(401))
	require.Equal(t, ProviderErrorKindInvalidRequest, KindForStatus(400))
	require.Equal(t, ProviderErrorKindUnavailable, KindForStatus(503))
	require.Equal(t, ProviderErrorKindUnknown, KindForStatus(0))
	require.False(t, FromStatus("openai", "", 400, "", "", "", nil).Retryable())
	require.NotErrorIs(t, FromStatus("openai", "", 500, "", "", "", nil), ErrRateLimited)
}

func TestResponseTextAndSplit(t *testing.T) {
	resp := &Response{Content: []Message{{Role: RoleAssistant, Content: "a"}, {Content: "b"}, {Role: RoleUser, Content: "x"}}}
	require.Equal(t, "ab", resp.Text())
	require.Empty(t, (*Response)(nil).Text())

	req := &Request{Messages: []*Message{{Role: RoleSystem, Content: "s1"}, {Role: RoleUser, Content: "u"}, nil, {Role: RoleSystem, Content: "s2"}}}
	sys, msgs := req.Split()
	require.Equal(t, "s1\n\ns2", sys)
	require.Len(t, msgs, 1)
}
