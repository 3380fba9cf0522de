// Package llm provides LLM client implementations for the reply
// pipeline.
package llm

import "context"

// Client is the interface the pipeline consumes. Providers translate
// the neutral request/response types to their wire format.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the key is valid.
	Ping(ctx context.Context) error
}

// Message is one chat turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	// System is the system instruction prepended to the conversation.
	System string
	// Messages are the conversation turns, oldest first.
	Messages []Message
	// Temperature controls sampling; the analyzer runs cool (0.3),
	// the composer warm (0.8).
	Temperature float64
	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Text         string
	Model        string
	FinishReason string

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int
}
