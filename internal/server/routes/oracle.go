package routes

import (
	"net/http"
	"sync"

	"github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/stream"

	"github.com/labstack/echo/v4"
)

func oraclesOrUnavailable(c echo.Context) (oracle.Set, bool) {
	set := middleware.AppFrom(c).Oracles
	if err := set.Validate(); err != nil {
		logger.Warn("[Server] Oracle endpoint called without oracles", "err", err)
		return set, false
	}
	return set, true
}

// ExtractHandler answers one extraction batch.
func ExtractHandler(c echo.Context) error {
	set, ok := oraclesOrUnavailable(c)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Oracles not configured"})
	}

	req := new(oracle.ExtractRequest)
	if err := c.Bind(req); err != nil || len(req.Elements) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	resp, err := set.Extractor.Extract(c.Request().Context(), *req)
	if err != nil {
		logger.Error("[Server] Extraction failed", "dataset", req.DatasetTag, "err", err)
		return c.JSON(http.StatusOK, oracle.ExtractResponse{Success: false, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// ScoreHandler rates one concept.
func ScoreHandler(c echo.Context) error {
	set, ok := oraclesOrUnavailable(c)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Oracles not configured"})
	}

	req := new(oracle.ScoreRequest)
	if err := c.Bind(req); err != nil || req.Concept.Label == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	resp, err := set.Scorer.Score(c.Request().Context(), *req)
	if err != nil {
		logger.Error("[Server] Scoring failed", "concept", req.Concept.ID, "err", err)
		return c.JSON(http.StatusOK, oracle.ScoreResponse{Success: false, Errors: []string{err.Error()}})
	}
	return c.JSON(http.StatusOK, resp)
}

// eventStream prepares the response for the streaming protocol. Writes are
// serialized since progress may be reported from oracle goroutines.
type eventStream struct {
	mu sync.Mutex
	w  *stream.Writer
}

func openStream(c echo.Context) *eventStream {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, stream.ContentType)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	return &eventStream{w: stream.NewWriter(res)}
}

func (s *eventStream) do(fn func(w *stream.Writer) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.w); err != nil {
		logger.Debug("[Server] Stream write failed", "err", err)
	}
}

func (s *eventStream) progress(message string) {
	s.do(func(w *stream.Writer) error { return w.Progress(message, 0) })
}

// MergeHandler streams merge groups for one round.
func MergeHandler(c echo.Context) error {
	set, ok := oraclesOrUnavailable(c)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Oracles not configured"})
	}

	req := new(oracle.MergeRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	s := openStream(c)
	resp, err := set.Merger.Merge(c.Request().Context(), *req, s.progress)
	if err != nil {
		logger.Error("[Server] Merge failed", "round", req.Round, "err", err)
		s.do(func(w *stream.Writer) error { return w.Error(err.Error()) })
		return nil
	}

	s.do(func(w *stream.Writer) error {
		for _, g := range resp.Merges {
			if err := w.Event("merge", g); err != nil {
				return err
			}
		}
		return w.Result(resp)
	})
	return nil
}

// VennHandler streams the oracle view of the coverage partition.
func VennHandler(c echo.Context) error {
	set, ok := oraclesOrUnavailable(c)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Oracles not configured"})
	}

	req := new(oracle.VennRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	s := openStream(c)
	resp, err := set.Venn.Venn(c.Request().Context(), *req, s.progress)
	if err != nil {
		logger.Error("[Server] Venn failed", "err", err)
		s.do(func(w *stream.Writer) error { return w.Error(err.Error()) })
		return nil
	}

	s.do(func(w *stream.Writer) error {
		for _, group := range [][]oracle.VennEntry{resp.UniqueToD1, resp.Aligned, resp.UniqueToD2} {
			for _, e := range group {
				if err := w.Event(string(stream.KindItem), e); err != nil {
					return err
				}
			}
		}
		return w.Result(resp)
	})
	return nil
}
