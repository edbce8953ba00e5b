// Package model provides a provider-agnostic abstraction over chat
// completion APIs (Anthropic, OpenAI, Bedrock) so analysis stages can invoke
// models without coupling to specific SDKs. Implementations translate these
// normalized types into provider-specific formats.
package model

import (
	"context"
	"errors"
	"strings"
)

type (
	// Client defines the contract stages use to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// ClientFunc adapts a function into a Client.
	ClientFunc func(ctx context.Context, req *Request) (*Response, error)

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty selects the client default.
		Model string

		// Messages is the ordered chat history provided to the model,
		// including the system prompt.
		Messages []*Message

		// Temperature controls sampling temperature. Zero requests greedy
		// decoding.
		Temperature float32

		// MaxTokens caps the number of completion tokens. Zero uses the client
		// default.
		MaxTokens int
	}

	// Response wraps the generated content.
	Response struct {
		// Content contains the assistant messages returned by the model.
		Content []Message

		// Usage reports token usage when available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message is a chat message with role and content.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role Role

		// Content is the message text.
		Content string
	}

	// Role is a chat message role.
	Role string

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	rateLimitedError struct{}
)

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrRateLimited indicates the provider throttled the request. Clients wrap
// it so callers can detect throttling with errors.Is. It reports itself as
// retryable.
var ErrRateLimited error = rateLimitedError{}

// ErrEmptyResponse indicates the provider returned no text.
var ErrEmptyResponse = errors.New("model: empty response")

func (rateLimitedError) Error() string   { return "model: rate limited" }
func (rateLimitedError) Retryable() bool { return true }

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Text returns the concatenated content of the assistant messages.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range r.Content {
		if m.Role != "" && m.Role != RoleAssistant {
			continue
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Split returns the system prompt and the non-system messages of req.
func (r *Request) Split() (system string, msgs []*Message) {
	var parts []string
	for _, m := range r.Messages {
		if m == nil {
			continue
		}
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	return strings.Join(parts, "\n\n"), msgs
}
