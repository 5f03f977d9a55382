package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

func (c *GraphOpenAIClient) buildMessages(
	options ai.GenerateOptions,
	messages []ai.ChatMessage,
) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Message))
		default:
			msgs = append(msgs, openai.UserMessage(m.Message))
		}
	}
	return msgs
}

func (c *GraphOpenAIClient) applyThinking(body *openai.ChatCompletionNewParams, thinking string) {
	if thinking == "" {
		return
	}
	// reasoning models on the official endpoint only accept temperature 1.0
	if c.chatURL == "" {
		body.Temperature = openai.Float(1.0)
	}
	body.ReasoningEffort = shared.ReasoningEffort(thinking)
}

func (c *GraphOpenAIClient) record(start time.Time, usage openai.CompletionUsage) {
	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	})
}

// GenerateCompletion sends a single-turn prompt to the chat model and
// returns the generated completion as plain text.
func (c *GraphOpenAIClient) GenerateCompletion(
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

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    c.buildMessages(options, []ai.ChatMessage{{Role: "user", Message: prompt}}),
		Temperature: openai.Float(options.Temperature),
	}
	c.applyThinking(&body, options.Thinking)

	start := time.Now()
	response, err := c.ChatClient.Chat.Completions.New(ctx, body)
	if err != nil {
		return "", err
	}
	c.record(start, response.Usage)

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response from model")
	}
	return response.Choices[0].Message.Content, nil
}

// GenerateCompletionWithFormat sends a prompt to the chat model and
// unmarshals the response into out, using a JSON schema derived from out to
// enforce structure.
//
// Example:
//
//	var resp oracle.ExtractResponse
//	err := client.GenerateCompletionWithFormat(ctx, "extract_concepts", "Extract concepts.", prompt, &resp)
func (c *GraphOpenAIClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      ai.GenerateSchema(out),
		Strict:      openai.Bool(true),
	}

	options := ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.1,
	}
	for _, o := range opts {
		o(&options)
	}

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(options.Model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
		Messages:    c.buildMessages(options, []ai.ChatMessage{{Role: "user", Message: prompt}}),
		Temperature: openai.Float(options.Temperature),
	}
	c.applyThinking(&body, options.Thinking)

	start := time.Now()
	response, err := c.ChatClient.Chat.Completions.New(ctx, body)
	if err != nil {
		return err
	}
	c.record(start, response.Usage)

	if len(response.Choices) == 0 {
		return fmt.Errorf("no choices in response from model")
	}
	message := response.Choices[0].Message.Content
	if message == "" {
		return fmt.Errorf("empty response from model (finish_reason: %s)", response.Choices[0].FinishReason)
	}
	return ai.UnmarshalFlexible(message, out)
}

// GenerateChatStream sends a multi-turn chat conversation to the model
// and returns a channel that streams the assistant's reply incrementally.
//
// The returned channel will be closed automatically when the stream ends
// or the context is canceled.
func (c *GraphOpenAIClient) GenerateChatStream(
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

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    c.buildMessages(options, messages),
		Temperature: openai.Float(options.Temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	c.applyThinking(&body, options.Thinking)

	start := time.Now()
	stream := c.ChatClient.Chat.Completions.NewStreaming(ctx, body)
	contentChan := make(chan ai.StreamEvent, 10)

	go func() {
		defer close(contentChan)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		contentStarted := false

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}

			var ev ai.StreamEvent
			switch {
			case chunk.Choices[0].Delta.Content != "":
				contentStarted = true
				ev = ai.StreamEvent{Type: "content", Content: chunk.Choices[0].Delta.Content}
			case !contentStarted:
				field, ok := chunk.Choices[0].Delta.JSON.ExtraFields["reasoning"]
				if !ok || field.Raw() == "" {
					continue
				}
				var reasoning string
				if err := json.Unmarshal([]byte(field.Raw()), &reasoning); err != nil || reasoning == "" {
					continue
				}
				ev = ai.StreamEvent{Type: "step", Step: "thinking", Reasoning: reasoning}
			default:
				continue
			}

			select {
			case contentChan <- ev:
			case <-ctx.Done():
				return
			}
		}

		c.record(start, acc.Usage)
	}()

	return contentChan, nil
}

// LoadModel is a no-op for OpenAI as models are loaded on-demand.
// It exists to satisfy the GraphAIClient interface.
func (c *GraphOpenAIClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	return nil
}
