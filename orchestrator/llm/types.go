// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm defines the chat and tool-calling types shared by LLM
// provider implementations.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a chat conversation.
type Message struct {
	// Role is one of the Role constants.
	Role string `json:"role"`

	// Content is the text of the message. May be empty on assistant
	// turns that only carry tool calls.
	Content string `json:"content"`

	// ToolCalls are the calls an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	// Name is the function name the model uses to call it.
	Name string `json:"name"`

	// Description tells the model when to call the function.
	Description string `json:"description"`

	// Parameters is the JSON Schema of the function arguments.
	Parameters json.RawMessage `json:"parameters"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	// ID identifies the call so its result can be sent back.
	ID string `json:"id"`

	// Name is the function being called.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object as the model wrote it.
	// It is model output and may be malformed.
	Arguments string `json:"arguments"`
}

// ChatRequest is a unified chat completion request.
type ChatRequest struct {
	// Messages is the conversation so far, oldest first.
	Messages []Message `json:"messages"`

	// Tools the model may call this turn.
	Tools []Tool `json:"tools,omitempty"`

	// ForceTool names a tool the model must call, if set.
	ForceTool string `json:"force_tool,omitempty"`

	// MaxTokens limits the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Negative means provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// ChatResponse is a unified chat completion response.
type ChatResponse struct {
	// Message is the assistant turn, including any tool calls.
	Message Message `json:"message"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "tool_calls", "length", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across turns of one conversation.
func (u *UsageStats) Add(other UsageStats) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Provider is a chat-capable LLM backend.
type Provider interface {
	// Name returns the provider name, e.g. "openai".
	Name() string

	// Chat runs one chat completion turn.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// IsHealthy reports whether the provider is usable.
	IsHealthy() bool
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeContextLength indicates input exceeds context window.
	ErrCodeContextLength = "context_length_exceeded"

	// ErrCodeContentFilter indicates content was filtered.
	ErrCodeContentFilter = "content_filter"

	// ErrCodeServerError indicates provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates request timeout.
	ErrCodeTimeout = "timeout"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
