// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates model requests into ChatCompletion
// calls using github.com/openai/openai-go/v3 and maps responses back to
// model.Response values. Any OpenAI-compatible endpoint works through
// Options.BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"goa.design/callanalysis/runtime/model"
)

const providerName = "openai"

// ChatClient captures the subset of the openai-go client used by the adapter.
// It is satisfied by *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// MaxTokens caps completion tokens when the request does not.
	MaxTokens int
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
// baseURL may be empty to target api.openai.com. SDK retries are disabled;
// callers retry through runtime/retry.
func NewFromAPIKey(apiKey, baseURL string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(u))
	}
	oc := openai.NewClient(reqOpts...)
	opts.Client = &oc.Chat.Completions
	return New(opts)
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	response, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(response)
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		reqID := ""
		if apiErr.Response != nil {
			reqID = apiErr.Response.Header.Get("x-request-id")
		}
		return model.FromStatus(providerName, "chat.completions", apiErr.StatusCode, apiErr.Code, apiErr.Message, reqID, err)
	}
	return &model.ProviderError{
		Provider:  providerName,
		Operation: "chat.completions",
		Kind:      model.ProviderErrorKindUnavailable,
		Cause:     fmt.Errorf("openai chat completion: %w", err),
	}
}

func translateResponse(resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil {
		return nil, errors.New("openai: response is nil")
	}
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		if choice.Message.Content != "" {
			out.Content = append(out.Content, model.Message{Role: model.RoleAssistant, Content: choice.Message.Content})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = resp.Choices[0].FinishReason
	}
	if len(out.Content) == 0 {
		return nil, fmt.Errorf("openai: %w (finish reason %q)", model.ErrEmptyResponse, out.StopReason)
	}
	return out, nil
}
