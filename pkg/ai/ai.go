package ai

import (
	"context"
)

// ChatMessage represents a single message in a chat conversation.
// It is used when generating multi-turn chat completions.
//
// Role must be one of:
//   - "user"      → a user-provided message
//   - "assistant" → a message from the AI assistant
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
	Thinking      string   // Extended thinking mode configuration
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add accumulates m into the receiver and recomputes the token rate.
func (mm *ModelMetrics) Add(m ModelMetrics) {
	mm.InputTokens += m.InputTokens
	mm.OutputTokens += m.OutputTokens
	mm.TotalTokens += m.TotalTokens
	mm.DurationMs += m.DurationMs

	if mm.DurationMs > 0 {
		tps := (float64(mm.TotalTokens) * 1000.0) / float64(mm.DurationMs)
		mm.TokenPerSecond = float32(int(tps*100)) / 100
	}
}

// StreamEvent represents an event in a streaming response
type StreamEvent struct {
	Type      string // "step" | "content"
	Step      string // step name (when Type="step")
	Content   string // text content (when Type="content")
	Reasoning string // reasoning content (when Step="thinking")
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking returns a GenerateOption that enables extended thinking mode.
// The thinking parameter specifies the thinking budget or mode configuration.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// GraphAIClient defines the language model operations the alignment oracles
// are built on: plain and schema constrained completions plus a streamed chat.
type GraphAIClient interface {
	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error

	GenerateChatStream(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (<-chan StreamEvent, error)

	LoadModel(ctx context.Context, opts ...GenerateOption) error
	ResetMetrics()
	GetMetrics() ModelMetrics
}
