// Package oracles builds the oracle set of a process from the environment.
package oracles

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	oai "github.com/OFFIS-RIT/align/backend/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/align/backend/pkg/ai/openai"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle/httpclient"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle/llm"
)

const (
	ModeLLM  = "llm"
	ModeHTTP = "http"
)

// NewAIClient returns the language model client selected by AI_ADAPTER.
func NewAIClient() (ai.GraphAIClient, error) {
	switch adapter := util.GetEnvString("AI_ADAPTER", "openai"); adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			DescriptionModel:      util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ExtractionModel:       util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			BaseURL:               util.GetEnv("AI_CHAT_URL"),
			ApiKey:                util.GetEnv("AI_CHAT_KEY"),
			MaxConcurrentRequests: int64(util.GetEnvInt("AI_MAX_CONCURRENT_REQUESTS", 4)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return client, nil
	case "openai":
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			DescriptionModel: util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ExtractionModel:  util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			ChatURL:          util.GetEnv("AI_CHAT_URL"),
			ChatKey:          util.GetEnv("AI_CHAT_KEY"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI_ADAPTER %q", adapter)
	}
}

// FromEnv returns the oracle set selected by ORACLE_MODE. The language model
// client is nil in http mode.
func FromEnv() (oracle.Set, ai.GraphAIClient, error) {
	maxRetries := util.GetEnvInt("ORACLE_MAX_RETRIES", 3)

	switch mode := util.GetEnvString("ORACLE_MODE", ModeLLM); mode {
	case ModeHTTP:
		baseURL := util.GetEnv("ORACLE_BASE_URL")
		if baseURL == "" {
			return oracle.Set{}, nil, fmt.Errorf("ORACLE_BASE_URL is required in %s mode", ModeHTTP)
		}
		client := httpclient.NewClient(httpclient.NewClientParams{
			BaseURL:    baseURL,
			Timeout:    util.GetEnvSeconds("ORACLE_TIMEOUT_SECONDS", 300),
			MaxRetries: maxRetries,
			Backoff:    500 * time.Millisecond,
		})
		return client.Set(), nil, nil
	case ModeLLM:
		client, err := NewAIClient()
		if err != nil {
			return oracle.Set{}, nil, err
		}
		o := llm.NewOracle(llm.NewOracleParams{
			Client:     client,
			MaxRetries: maxRetries,
		})
		return o.Set(), client, nil
	default:
		return oracle.Set{}, nil, fmt.Errorf("unknown ORACLE_MODE %q", mode)
	}
}
