package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/retry"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
			TotalTokens:  aws.Int32(120),
		},
		StopReason: brtypes.StopReasonEndTurn,
	}
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{output: textOutput(`{"riskLevel":"low"}`)}
	client, err := New(mock, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "You are smart."},
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleUser, Content: "again"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, `{"riskLevel":"low"}`, resp.Text())
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 120, resp.Usage.TotalTokens)

	input := mock.captured
	require.Equal(t, "anthropic.claude-3", *input.ModelId)
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	require.Len(t, input.Messages[0].Content, 2)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.Equal(t, "hi", input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText).Value)
	require.Equal(t, int32(512), *input.InferenceConfig.MaxTokens)
	require.Nil(t, input.InferenceConfig.Temperature)
}

func TestClientRequiresUserMessage(t *testing.T) {
	client, err := New(&mockRuntime{}, Options{DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleSystem, Content: "only system"}},
	})
	require.Error(t, err)

	_, err = New(nil, Options{DefaultModel: "id"})
	require.Error(t, err)
	_, err = New(&mockRuntime{}, Options{})
	require.Error(t, err)
}

func TestClientEmptyResponse(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{StopReason: brtypes.StopReasonMaxTokens}}
	client, err := New(mock, Options{DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := model.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))

	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	require.True(t, isRateLimited(throttled))
	require.False(t, isRateLimited(errors.New("boom")))
}

func TestComplete_WrapsRateLimitedErrors(t *testing.T) {
	mock := &mockRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	client, err := New(mock, Options{DefaultModel: "test-model", MaxTokens: 10, Temperature: 0.5})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.True(t, retry.IsRetryable(err))
	require.InDelta(t, 0.5, float64(*mock.captured.InferenceConfig.Temperature), 0.0001)
}

func TestWrapBedrockErrorClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      model.ProviderErrorKind
		retryable bool
	}{
		{http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, false},
		{http.StatusForbidden, model.ProviderErrorKindAuth, false},
		{http.StatusServiceUnavailable, model.ProviderErrorKindUnavailable, true},
	}
	for _, c := range cases {
		respErr := &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: c.status}},
			Err:      &smithy.GenericAPIError{Code: "SomeException", Message: "msg"},
		}
		err := wrapBedrockError("converse", respErr)
		pe, ok := model.AsProviderError(err)
		require.True(t, ok)
		require.Equal(t, c.kind, pe.Kind)
		require.Equal(t, c.retryable, pe.Retryable())
		require.Equal(t, "SomeException", pe.Code)
	}

	require.ErrorIs(t, wrapBedrockError("converse", context.Canceled), context.Canceled)
}
