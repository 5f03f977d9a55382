// Package httpclient calls remote oracle endpoints over HTTP. Extraction and
// scoring exchange plain JSON; merge and Venn answers arrive on the event
// stream protocol of package stream.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/stream"

	"github.com/sony/gobreaker"
)

const (
	PathExtract = "/extract"
	PathMerge   = "/merge"
	PathScore   = "/score"
	PathVenn    = "/venn"

	maxErrorBody = 4096
)

// StatusError is a non-2xx answer from an oracle endpoint.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client implements every oracle interface against one base URL.
type Client struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	backoff    time.Duration
}

// NewClientParams configures a Client. Zero values fall back to defaults.
type NewClientParams struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client

	BreakerName      string
	FailureThreshold float64
	MinRequests      uint32
	OpenTimeout      time.Duration
}

// NewClient returns a Client for params.BaseURL.
func NewClient(params NewClientParams) *Client {
	httpClient := params.HTTPClient
	if httpClient == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := params.MaxRetries
	if retries < 1 {
		retries = 3
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	name := params.BreakerName
	if name == "" {
		name = "oracle"
	}
	threshold := params.FailureThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	minRequests := params.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	openTimeout := params.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[Oracle] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// client errors say nothing about the health of the endpoint
		IsSuccessful: func(err error) bool {
			return err == nil || util.IsPermanent(err)
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(params.BaseURL, "/"),
		http:       httpClient,
		breaker:    breaker,
		maxRetries: retries,
		backoff:    backoff,
	}
}

// Set returns an oracle.Set backed by c.
func (c *Client) Set() oracle.Set {
	return oracle.Set{Extractor: c, Merger: c, Scorer: c, Venn: c}
}

// post sends body and returns the open response of a 2xx answer. 5xx answers
// and transport failures are retried; 4xx answers are not.
func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	return util.RetryWithBackoff(ctx, c.maxRetries, c.backoff, func(ctx context.Context) (*http.Response, error) {
		res, err := c.breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
			if err != nil {
				return nil, util.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", accept)

			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}

			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			statusErr := &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, statusErr
			}
			return nil, util.Permanent(statusErr)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, util.Permanent(fmt.Errorf("oracle %s unavailable: %w", path, err))
		}
		if err != nil {
			return nil, err
		}
		return res.(*http.Response), nil
	})
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	resp, err := c.post(ctx, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postStream(
	ctx context.Context,
	path string,
	body any,
	itemEvent string,
	onProgress oracle.ProgressFunc,
	out any,
) error {
	resp, err := c.post(ctx, path, body, stream.ContentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := stream.NewReader(resp.Body, stream.WithItemEvents(itemEvent))
	reader.OnMalformed = func(perr *common.StreamProtocolError) {
		logger.Warn("[Oracle] Skipping malformed stream block", "path", path, "event", perr.Event, "err", perr.Err)
	}

	items := 0
	result, err := stream.Consume(reader, stream.Handler{
		OnProgress: func(p stream.Progress) {
			if onProgress != nil && p.Message != "" {
				onProgress(p.Message)
			}
		},
		OnItem: func(stream.Event) { items++ },
	})
	if err != nil {
		return fmt.Errorf("oracle %s stream failed: %w", path, err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &common.StreamProtocolError{Event: string(stream.KindResult), Payload: string(result), Err: err}
	}

	logger.Debug("[Oracle] Stream finished", "path", path, "items", items, "skipped", len(reader.Skipped()))
	return nil
}

// Extract implements oracle.Extractor.
func (c *Client) Extract(ctx context.Context, req oracle.ExtractRequest) (*oracle.ExtractResponse, error) {
	var resp oracle.ExtractResponse
	if err := c.postJSON(ctx, PathExtract, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Merge implements oracle.Merger.
func (c *Client) Merge(ctx context.Context, req oracle.MergeRequest, onProgress oracle.ProgressFunc) (*oracle.MergeResponse, error) {
	var resp oracle.MergeResponse
	if err := c.postStream(ctx, PathMerge, req, "merge", onProgress, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Score implements oracle.Scorer.
func (c *Client) Score(ctx context.Context, req oracle.ScoreRequest) (*oracle.ScoreResponse, error) {
	var resp oracle.ScoreResponse
	if err := c.postJSON(ctx, PathScore, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Venn implements oracle.VennBuilder.
func (c *Client) Venn(ctx context.Context, req oracle.VennRequest, onProgress oracle.ProgressFunc) (*oracle.VennResponse, error) {
	var resp oracle.VennResponse
	if err := c.postStream(ctx, PathVenn, req, "item", onProgress, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
