// Package metrics exports alignment runs, oracle usage and HTTP traffic as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metrics of one process. It implements
// pipeline.Observer.
type Collector struct {
	registry *prometheus.Registry

	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	ActiveRuns   prometheus.Gauge
	Percent      prometheus.Gauge
	Phase        *prometheus.GaugeVec
	UnitFailures *prometheus.CounterVec
	Items        *prometheus.CounterVec
	Coverage     *prometheus.GaugeVec
	OracleTokens *prometheus.CounterVec
	OracleTime   prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Collector)(nil)

var phases = []pipeline.Phase{
	pipeline.PhaseIdle,
	pipeline.PhaseCreating,
	pipeline.PhaseExtractD1,
	pipeline.PhaseExtractD2,
	pipeline.PhaseMerging,
	pipeline.PhaseGraph,
	pipeline.PhaseTesseract,
	pipeline.PhaseVenn,
	pipeline.PhaseCompleted,
	pipeline.PhaseError,
	pipeline.PhaseAborted,
}

// NewCollector creates and registers the metrics under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Alignment runs started",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Alignment runs finished by status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of alignment runs",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Alignment runs currently executing",
		}),
		Percent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_percent",
			Help:      "Progress of the current run",
		}),
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "1 for the phase of the current run",
		}, []string{"phase"}),
		UnitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_failures_total",
			Help:      "Failed batches and concepts by kind",
		}, []string{"kind"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_items_total",
			Help:      "Items in finished results by collection",
		}, []string{"collection"}),
		Coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_coverage_percent",
			Help:      "Coverage statistics of the last Venn result",
		}, []string{"measure"}),
		OracleTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_tokens_total",
			Help:      "Language model tokens used by the oracles",
		}, []string{"direction"}),
		OracleTime: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_seconds_total",
			Help:      "Time spent in language model calls",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.RunsStarted,
		c.RunsFinished,
		c.RunDuration,
		c.ActiveRuns,
		c.Percent,
		c.Phase,
		c.UnitFailures,
		c.Items,
		c.Coverage,
		c.OracleTokens,
		c.OracleTime,
		c.HTTPRequests,
		c.HTTPDuration,
	)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveProgress implements pipeline.Observer.
func (c *Collector) ObserveProgress(p pipeline.Progress) {
	if p.Phase == pipeline.PhaseIdle {
		c.RunsStarted.Inc()
		c.ActiveRuns.Inc()
	}
	c.Percent.Set(p.Percent)
	for _, phase := range phases {
		v := 0.0
		if phase == p.Phase {
			v = 1
		}
		c.Phase.WithLabelValues(string(phase)).Set(v)
	}
}

// ObserveResult implements pipeline.Observer.
func (c *Collector) ObserveResult(res *pipeline.Result) {
	if res == nil {
		return
	}
	c.ActiveRuns.Dec()
	c.RunsFinished.WithLabelValues(string(res.Status)).Inc()
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		c.RunDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	for _, f := range res.Diagnostics.Failures {
		c.UnitFailures.WithLabelValues(string(f.Kind)).Inc()
	}

	snap := res.Snapshot
	c.Items.WithLabelValues("nodes").Add(float64(len(snap.Nodes)))
	c.Items.WithLabelValues("edges").Add(float64(len(snap.Edges)))
	c.Items.WithLabelValues("concepts").Add(float64(len(snap.Concepts)))
	c.Items.WithLabelValues("cells").Add(float64(len(snap.Cells)))
	if snap.Venn != nil {
		s := snap.Venn.Summary
		c.Coverage.WithLabelValues("d1").Set(s.D1Coverage)
		c.Coverage.WithLabelValues("d2").Set(s.D2Coverage)
		c.Coverage.WithLabelValues("alignment").Set(s.AlignmentScore)
	}
}

// ObserveAI adds the token usage of a language model client.
func (c *Collector) ObserveAI(m ai.ModelMetrics) {
	c.OracleTokens.WithLabelValues("input").Add(float64(m.InputTokens))
	c.OracleTokens.WithLabelValues("output").Add(float64(m.OutputTokens))
	c.OracleTime.Add((time.Duration(m.DurationMs) * time.Millisecond).Seconds())
}

// Middleware records request counts and latencies per route.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)
			if err != nil {
				ctx.Error(err)
			}

			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method
			status := strconv.Itoa(ctx.Response().Status)
			c.HTTPRequests.WithLabelValues(method, route, status).Inc()
			c.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
