package openai

import (
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// GraphOpenAIClient implements ai.GraphAIClient on top of an OpenAI
// compatible chat completion endpoint.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	descriptionModel string
	extractionModel  string

	chatURL string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for creating
// a new GraphOpenAIClient.
//
// DescriptionModel is used for free-form and streamed answers.
// ExtractionModel is used for schema constrained answers.
// ChatURL and ChatKey configure the chat/completion API endpoint. An empty
// ChatURL means the official OpenAI endpoint.
type NewGraphOpenAIClientParams struct {
	DescriptionModel string
	ExtractionModel  string

	ChatURL string
	ChatKey string
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient configured
// with the provided parameters.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		DescriptionModel: "gpt-4o-mini",
//		ExtractionModel:  "gpt-4o-mini",
//		ChatKey:          os.Getenv("OPENAI_API_KEY"),
//	})
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	return &GraphOpenAIClient{
		descriptionModel: params.DescriptionModel,
		extractionModel:  params.ExtractionModel,
		chatURL:          params.ChatURL,
		ChatClient:       newOpenaiClient(params.ChatURL, params.ChatKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	options := []option.RequestOption{}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing metrics since the last reset.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *GraphOpenAIClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.Add(m)
}
