// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system and conversational messages, calls
// Converse and translates the text blocks of the response back into
// model.Response values.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/telemetry"
)

const bedrockProviderName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// DefaultModel is the default model identifier (e.g., Sonnet).
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics inside the Bedrock adapter.
	// When nil, defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
	logger       telemetry.Logger
}

// New initializes a Bedrock-powered model client.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      rt,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// NewFromEnv builds a client for region using the static credentials found in
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN. SDK retries
// are disabled; callers retry through runtime/retry.
func NewFromEnv(region string, opts Options) (*Client, error) {
	if region == "" {
		return nil, errors.New("bedrock region is required")
	}
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("bedrock: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
	rt := bedrockruntime.New(bedrockruntime.Options{
		Region:           region,
		Credentials:      aws.NewCredentialsCache(creds),
		RetryMaxAttempts: 1,
	})
	return New(rt, opts)
}

// Complete renders a chat completion using the Bedrock Converse API.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		werr := wrapBedrockError("converse", err)
		if errors.Is(werr, model.ErrRateLimited) {
			c.logger.Warn(ctx, "bedrock throttled request", "model", aws.ToString(input.ModelId))
		}
		return nil, werr
	}
	return translateResponse(output)
}

func (c *Client) buildConverseInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system := encodeMessages(req)
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := c.effectiveMaxTokens(maxTokens)
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	if t := c.effectiveTemperature(temp); t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// encodeMessages merges consecutive messages with the same role since
// Converse requires alternating user and assistant turns.
func encodeMessages(req *model.Request) ([]brtypes.Message, []brtypes.SystemContentBlock) {
	system, msgs := req.Split()
	var sys []brtypes.SystemContentBlock
	if system != "" {
		sys = append(sys, &brtypes.SystemContentBlockMemberText{Value: system})
	}
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: []brtypes.ContentBlock{block}})
	}
	return out, sys
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}

	return false
}

func wrapBedrockError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isRateLimited(err) {
		return &model.ProviderError{Provider: bedrockProviderName, Operation: operation, Status: http.StatusTooManyRequests, Kind: model.ProviderErrorKindRateLimited, Code: "rate_limited", Cause: err}
	}

	var (
		status int
		code   string
		msg    string
	)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == 0 {
		kind := model.ProviderErrorKindUnknown
		if code == "ServiceUnavailableException" || code == "ModelNotReadyException" {
			kind = model.ProviderErrorKindUnavailable
		}
		return &model.ProviderError{Provider: bedrockProviderName, Operation: operation, Kind: kind, Code: code, Message: msg, Cause: err}
	}
	return model.FromStatus(bedrockProviderName, operation, status, code, msg, "", err)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok && v.Value != "" {
				resp.Content = append(resp.Content, model.Message{Role: model.RoleAssistant, Content: v.Value})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("bedrock: %w (stop reason %q)", model.ErrEmptyResponse, output.StopReason)
	}
	return resp, nil
}
