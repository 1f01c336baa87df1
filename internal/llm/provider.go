// Package llm provides chat-completion providers for response generation.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by providers missing credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a message and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider
	// ChatStream is like Chat but calls onToken for each token as it's generated.
	// Returns the complete response when done.
	ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string)) (string, error)
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model overrides the provider default when set.
	Model string `json:"model,omitempty"`

	// SystemPrompt sets the AI's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation, oldest first, ending with the user turn.
	Messages []Message `json:"messages"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse contains the LLM's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}
