package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorObservesRun(t *testing.T) {
	c := NewCollector("align")

	c.ObserveProgress(pipeline.Progress{Phase: pipeline.PhaseIdle})
	c.ObserveProgress(pipeline.Progress{Phase: pipeline.PhaseMerging, Percent: 45})

	if got := testutil.ToFloat64(c.ActiveRuns); got != 1 {
		t.Fatalf("active runs = %v", got)
	}
	if got := testutil.ToFloat64(c.Percent); got != 45 {
		t.Fatalf("percent = %v", got)
	}
	if got := testutil.ToFloat64(c.Phase.WithLabelValues(string(pipeline.PhaseMerging))); got != 1 {
		t.Fatalf("merging phase gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.Phase.WithLabelValues(string(pipeline.PhaseIdle))); got != 0 {
		t.Fatalf("idle phase gauge = %v", got)
	}

	start := time.Now()
	c.ObserveResult(&pipeline.Result{
		Status:     pipeline.StatusAborted,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Snapshot: pipeline.Snapshot{
			Cells: make([]common.TesseractCell, 2),
			Venn:  &common.VennResult{Summary: common.VennSummary{D1Coverage: 50}},
		},
		Diagnostics: pipeline.Diagnostics{Failures: []pipeline.UnitFailure{
			{Kind: common.KindScoringItem},
			{Kind: common.KindScoringItem},
			{Kind: common.KindBatchExtraction},
		}},
	})

	if got := testutil.ToFloat64(c.ActiveRuns); got != 0 {
		t.Fatalf("active runs after finish = %v", got)
	}
	if got := testutil.ToFloat64(c.RunsFinished.WithLabelValues("aborted")); got != 1 {
		t.Fatalf("aborted runs = %v", got)
	}
	if got := testutil.ToFloat64(c.UnitFailures.WithLabelValues(string(common.KindScoringItem))); got != 2 {
		t.Fatalf("scoring failures = %v", got)
	}
	if got := testutil.ToFloat64(c.Items.WithLabelValues("cells")); got != 2 {
		t.Fatalf("cells = %v", got)
	}
	if got := testutil.ToFloat64(c.Coverage.WithLabelValues("d1")); got != 50 {
		t.Fatalf("d1 coverage = %v", got)
	}
}

func TestCollectorObservesAI(t *testing.T) {
	c := NewCollector("align")
	c.ObserveAI(ai.ModelMetrics{InputTokens: 100, OutputTokens: 20, DurationMs: 1500})
	if got := testutil.ToFloat64(c.OracleTokens.WithLabelValues("input")); got != 100 {
		t.Fatalf("input tokens = %v", got)
	}
	if got := testutil.ToFloat64(c.OracleTime); got != 1.5 {
		t.Fatalf("oracle seconds = %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := NewCollector("align")
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/api/alignments/:id", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "missing")
	})
	e.GET("/metrics", echo.WrapHandler(c.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alignments/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/api/alignments/:id", "404")); got != 1 {
		t.Fatalf("requests = %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "align_http_requests_total") {
		t.Fatalf("metrics output misses request counter:\n%s", rec.Body.String())
	}
}
