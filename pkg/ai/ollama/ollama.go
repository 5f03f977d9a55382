package ollama

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// GraphOllamaClient implements the ai.GraphAIClient interface using Ollama as the backend.
type GraphOllamaClient struct {
	descriptionModel string
	extractionModel  string

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewGraphOllamaClientParams contains configuration options for creating a new GraphOllamaClient.
type NewGraphOllamaClientParams struct {
	DescriptionModel string
	ExtractionModel  string

	BaseURL string
	ApiKey  string

	// MaxConcurrentRequests bounds in-flight requests to the server. Values
	// below 1 mean one request at a time.
	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewGraphOllamaClient creates a new Ollama-based AI client with the specified configuration.
// It connects to the Ollama server at the given BaseURL (or the default if empty)
// and uses the configured models for different AI operations.
func NewGraphOllamaClient(
	params NewGraphOllamaClientParams,
) (*GraphOllamaClient, error) {
	var u *url.URL
	if params.BaseURL != "" {
		parsed, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
		u = parsed
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{headers: headers, rt: http.DefaultTransport},
	}

	if u == nil {
		cli, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		return newClient(params, cli), nil
	}
	return newClient(params, api.NewClient(u, httpClient)), nil
}

func newClient(params NewGraphOllamaClientParams, cli *api.Client) *GraphOllamaClient {
	limit := params.MaxConcurrentRequests
	if limit < 1 {
		limit = 1
	}
	return &GraphOllamaClient{
		descriptionModel: params.DescriptionModel,
		extractionModel:  params.ExtractionModel,
		reqLock:          semaphore.NewWeighted(limit),
		Client:           cli,
	}
}

func (c *GraphOllamaClient) acquire(ctx context.Context) (func(), error) {
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.reqLock.Release(1) }, nil
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *GraphOllamaClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing metrics since the last reset.
func (c *GraphOllamaClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *GraphOllamaClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.Add(m)
}
