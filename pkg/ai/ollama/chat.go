package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultContext = 4096
	// headroom reserved for the answer on top of the prompt tokens
	answerTokens = 200
)

// contextWindow returns the num_ctx option needed for text, or 0 when the
// server default suffices.
func contextWindow(text string) (int, error) {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return 0, err
	}
	tokens := answerTokens + len(enc.Encode(text, nil, nil))
	if tokens > defaultContext {
		return tokens, nil
	}
	return 0, nil
}

func buildRequest(
	options ai.GenerateOptions,
	messages []ai.ChatMessage,
	stream bool,
) (*api.ChatRequest, error) {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+len(messages))
	var text strings.Builder
	for _, sys := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
		text.WriteString(sys)
	}
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Message})
		text.WriteString(m.Message)
	}

	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{Value: options.Thinking}
	}

	numCtx, err := contextWindow(text.String())
	if err != nil {
		return nil, err
	}
	if numCtx > 0 {
		req.Options["num_ctx"] = numCtx
	}
	return req, nil
}

func metricsOf(m api.Metrics) ai.ModelMetrics {
	return ai.ModelMetrics{
		InputTokens:  m.PromptEvalCount,
		OutputTokens: m.EvalCount,
		TotalTokens:  m.PromptEvalCount + m.EvalCount,
		DurationMs:   m.TotalDuration.Milliseconds(),
	}
}

func (c *GraphOllamaClient) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var content strings.Builder
	var final api.Metrics
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		content.WriteString(cr.Message.Content)
		if cr.Done {
			final = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}
	c.modifyMetrics(metricsOf(final))

	return content.String(), nil
}

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.3,
	}
	for _, o := range opts {
		o(&options)
	}

	req, err := buildRequest(options, []ai.ChatMessage{{Role: "user", Message: prompt}}, false)
	if err != nil {
		return "", err
	}
	return c.chat(ctx, req)
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	if out == nil {
		return errors.New("out must be a non-nil pointer")
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.1,
	}
	for _, o := range opts {
		o(&options)
	}

	req, err := buildRequest(options, []ai.ChatMessage{{Role: "user", Message: prompt}}, false)
	if err != nil {
		return err
	}
	req.Format = json.RawMessage(formatBytes)

	content, err := c.chat(ctx, req)
	if err != nil {
		return err
	}
	return ai.UnmarshalFlexible(content, out)
}

// GenerateChatStream streams the assistant reply incrementally.
func (c *GraphOllamaClient) GenerateChatStream(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (<-chan ai.StreamEvent, error) {
	options := ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.2,
	}
	for _, o := range opts {
		o(&options)
	}

	req, err := buildRequest(options, messages, true)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan ai.StreamEvent, 16)

	go func() {
		defer close(out)
		defer release()

		_ = c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
			if s := cr.Message.Thinking; s != "" {
				select {
				case out <- ai.StreamEvent{Type: "step", Step: "thinking", Reasoning: s}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if s := cr.Message.Content; s != "" {
				select {
				case out <- ai.StreamEvent{Type: "content", Content: s}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if cr.Done {
				c.modifyMetrics(metricsOf(cr.Metrics))
			}
			return nil
		})
	}()

	return out, nil
}

// LoadModel preloads a model into memory to reduce latency on subsequent requests.
func (c *GraphOllamaClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	options := ai.GenerateOptions{
		Model: c.descriptionModel,
	}
	for _, o := range opts {
		o(&options)
	}

	req := &api.ChatRequest{
		Model: options.Model,
	}

	return c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		return nil
	})
}
