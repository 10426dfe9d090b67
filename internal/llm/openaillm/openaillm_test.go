package openaillm

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/llm"
)

type fakeChat struct {
	resp *openai.ChatCompletion
	err  error
	got  openai.ChatCompletionNewParams
}

func (f *fakeChat) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	fake := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: "hi back"},
				FinishReason: "stop",
			},
		},
	}}
	c, err := New(fake, "gpt-default", 512, 0.5)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi back", resp.Text)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, "gpt-default", fake.got.Model)
	require.Len(t, fake.got.Messages, 2)
}

func TestCompleteWrapsRateLimit(t *testing.T) {
	fake := &fakeChat{err: errors.New("429 rate limit exceeded")}
	c, err := New(fake, "gpt-default", 512, 0)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	fake := &fakeChat{}
	c, err := New(fake, "gpt-default", 512, 0)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
}
