package anthropicllm

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/llm"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCompleteSendsSystemAndUserMessages(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		StopReason: "end_turn",
	}}
	c, err := New(fake, "claude-default", 1024, 0.2)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, fake.got.System, 1)
	require.Equal(t, sdk.Model("claude-default"), fake.got.Model)
}

func TestCompleteWrapsRateLimit(t *testing.T) {
	fake := &fakeMessages{err: errors.New("429 Too Many Requests")}
	c, err := New(fake, "claude-default", 1024, 0)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	fake := &fakeMessages{}
	c, err := New(fake, "claude-default", 1024, 0)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
}
