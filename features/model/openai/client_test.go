package openai_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/callanalysis/features/model/openai"
	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/retry"
)

type mockChatClient struct {
	request  openai.ChatCompletionNewParams
	response *openai.ChatCompletion
	err      error
}

func (m *mockChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.request = body
	return m.response, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o", MaxTokens: 256})
	require.NoError(t, err)

	mock.response = &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      openai.ChatCompletionMessage{Content: `{"tier":"warm"}`},
			},
		},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "be precise"},
			{Role: model.RoleUser, Content: "ping"},
			{Role: model.RoleUser, Content: "  "},
		},
		Temperature: 0.2,
	})
	require.NoError(t, err)
	require.Equal(t, `{"tier":"warm"}`, resp.Text())
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.Equal(t, openai.ChatModel("gpt-4o"), mock.request.Model)
	require.Len(t, mock.request.Messages, 2)
	require.Equal(t, int64(256), mock.request.MaxCompletionTokens.Value)
	require.InDelta(t, 0.2, mock.request.Temperature.Value, 0.0001)
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)

	_, err = openaimodel.New(openaimodel.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}

func TestClientEmptyResponse(t *testing.T) {
	mock := &mockChatClient{response: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{FinishReason: "length"}},
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestClientMapsAPIErrors(t *testing.T) {
	mock := &mockChatClient{err: &openai.Error{
		StatusCode: http.StatusTooManyRequests,
		Code:       "rate_limit_exceeded",
		Request:    httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"X-Request-Id": []string{"req_9"}}},
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.True(t, retry.IsRetryable(err))
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "rate_limit_exceeded", pe.Code)
	require.Equal(t, "req_9", pe.RequestID)
}
