// Package openaillm adapts github.com/openai/openai-go to the
// internal/llm.Client contract.
package openaillm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/orchestrator-ai/planner/internal/llm"
)

// ChatCompletionsClient captures the subset of the OpenAI SDK client the
// adapter needs, satisfied by the SDK's Chat.Completions service, so tests
// can substitute a mock.
type ChatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements llm.Client over the OpenAI Chat Completions API.
type Client struct {
	chat         ChatCompletionsClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an adapter from an already-constructed Chat Completions client.
func New(chat ChatCompletionsClient, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openaillm: chat completions client is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("openaillm: default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel, maxTokens: maxTokens, temperature: temperature}, nil
}

// NewFromAPIKey constructs an adapter using the OpenAI SDK's default HTTP
// transport.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openaillm: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, defaultModel, maxTokens, temperature)
}

// Complete issues a non-streaming chat completion call.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("openaillm: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("openaillm: chat completions.new: %w", err)
	}
	return translateResponse(resp)
}

func translateResponse(resp *openai.ChatCompletion) (llm.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openaillm: empty response")
	}
	choice := resp.Choices[0]
	raw, err := resp.MarshalJSON()
	if err != nil {
		raw = nil
	}
	return llm.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Raw:        raw,
	}, nil
}

// isRateLimited reports whether err represents an HTTP 429 from the OpenAI
// API, matched on the error text since the SDK's typed status field differs
// across versions.
func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
