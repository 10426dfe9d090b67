// Package llm defines the provider-agnostic chat-completion contract used by
// the conversation agent, the plan decomposer, and the plan executor. Each of
// those three callers holds its own independently configured Client built
// from internal/config.LLMConfig, so a single request from one never shares a
// rate limit, model, or API key with another.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited is wrapped into the error returned by Complete when the
// upstream provider reports a rate-limit response, so callers can special
// case backoff without parsing provider-specific error strings.
var ErrRateLimited = errors.New("llm: rate limited")

// Message is one turn in a chat-style completion request.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Request is a provider-agnostic completion request. Model, when empty,
// falls back to the adapter's configured default.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSONSchema is carried on the request but neither adapter
	// (anthropicllm, openaillm) reads it, so responses are not
	// constrained by the provider. Validation against a schema is the
	// caller's job (see internal/agent, which uses internal/schemavalidate).
	JSONSchema json.RawMessage
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text       string
	StopReason string
	Raw        json.RawMessage
}

// Client is implemented by each provider adapter (internal/llm/anthropicllm,
// internal/llm/openaillm).
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
