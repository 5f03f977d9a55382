package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/metrics"
	"github.com/OFFIS-RIT/align/backend/internal/queue"
	mid "github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/align/backend/pkg/store"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type memRuns struct {
	mu     sync.Mutex
	runs   map[string]*store.Run
	inputs map[string]store.NewRun
	venns  map[string]*common.VennResult
}

func newMemRuns() *memRuns {
	return &memRuns{
		runs:   map[string]*store.Run{},
		inputs: map[string]store.NewRun{},
		venns:  map[string]*common.VennResult{},
	}
}

func (m *memRuns) CreateRun(ctx context.Context, run store.NewRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = &store.Run{ID: run.ID, ProjectKey: run.ProjectKey, Status: store.RunQueued}
	m.inputs[run.ID] = run
	return nil
}

func (m *memRuns) LoadInput(ctx context.Context, runID string) (*store.Run, pipeline.Input, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, pipeline.Input{}, err
	}
	in := m.inputs[runID]
	return run, pipeline.Input{RunID: runID, D1: in.D1, D2: in.D2}, nil
}

func (m *memRuns) setStatus(runID string, status store.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	run.Status = status
	return nil
}

func (m *memRuns) MarkRunning(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	if run.Status == store.RunAborted {
		return store.ErrRunAborted
	}
	run.Status = store.RunRunning
	return nil
}

func (m *memRuns) AbortQueued(ctx context.Context, runID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != store.RunQueued {
		return false, nil
	}
	run.Status = store.RunAborted
	run.Message = reason
	return true, nil
}

func (m *memRuns) Requeue(ctx context.Context, runID string) error {
	return m.setStatus(runID, store.RunQueued)
}

func (m *memRuns) SaveProgress(ctx context.Context, runID string, p pipeline.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	run.Phase = p.Phase
	run.Percent = p.Percent
	return nil
}

func (m *memRuns) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memRuns) GetVenn(ctx context.Context, runID string) (*common.VennResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, store.ErrRunNotFound
	}
	venn, ok := m.venns[runID]
	if !ok {
		return nil, store.ErrVennNotReady
	}
	return venn, nil
}

type publishedMsg struct {
	exchange string
	key      string
	body     []byte
}

type recordingChannel struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (c *recordingChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	return nil
}

func (c *recordingChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	return amqp091.Queue{Name: name}, nil
}

func (c *recordingChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{exchange: exchange, key: key, body: msg.Body})
	return nil
}

type fakeOracles struct{}

func (fakeOracles) Extract(ctx context.Context, req oracle.ExtractRequest) (*oracle.ExtractResponse, error) {
	ids := make([]string, 0, len(req.Elements))
	for _, e := range req.Elements {
		ids = append(ids, e.ID)
	}
	return &oracle.ExtractResponse{Success: true, Concepts: []oracle.ExtractedConcept{{Label: "Everything", ElementIDs: ids}}}, nil
}

func (fakeOracles) Merge(ctx context.Context, req oracle.MergeRequest, onProgress oracle.ProgressFunc) (*oracle.MergeResponse, error) {
	onProgress("thinking")
	return &oracle.MergeResponse{Merges: []oracle.MergeGroup{{SourceIDs: []string{"c1", "c2"}, MergedLabel: "Both"}}}, nil
}

func (fakeOracles) Score(ctx context.Context, req oracle.ScoreRequest) (*oracle.ScoreResponse, error) {
	return &oracle.ScoreResponse{Success: true, Cells: []oracle.ScoreCell{{ConceptLabel: req.Concept.Label, Polarity: 0.5}}}, nil
}

func (fakeOracles) Venn(ctx context.Context, req oracle.VennRequest, onProgress oracle.ProgressFunc) (*oracle.VennResponse, error) {
	return &oracle.VennResponse{Aligned: []oracle.VennEntry{{Label: "Both", Criticality: "info"}}}, nil
}

func newTestServer(app *mid.App) http.Handler {
	return New(app, metrics.NewCollector("test"))
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validAlignment = `{
	"project_key": "exam-2026",
	"d1": [{"id": "s1", "label": "Privacy", "content": "Users own their data"}],
	"d2": [{"id": "c1", "label": "Deletion", "content": "Accounts can be erased"}]
}`

func TestCreateAlignment(t *testing.T) {
	runs := newMemRuns()
	ch := &recordingChannel{}
	h := newTestServer(&mid.App{Runs: runs, Queue: ch})

	rec := do(t, h, http.MethodPost, "/api/alignments", validAlignment, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.RunID == "" {
		t.Fatalf("missing run id in %s", rec.Body.String())
	}

	in := runs.inputs[resp.RunID]
	if len(in.D1) != 1 || in.D1[0].Dataset != common.DatasetD1 || in.D2[0].Dataset != common.DatasetD2 {
		t.Fatalf("unexpected stored input: %+v", in)
	}
	if len(ch.published) != 1 || ch.published[0].key != queue.AlignmentQueue {
		t.Fatalf("expected one job on %s, got %+v", queue.AlignmentQueue, ch.published)
	}
	var job queue.AlignmentJobMsg
	if err := json.Unmarshal(ch.published[0].body, &job); err != nil || job.RunID != resp.RunID {
		t.Fatalf("unexpected job %s", ch.published[0].body)
	}
}

func TestCreateAlignmentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing d2", body: `{"project_key": "p", "d1": [{"id": "a", "label": "A"}]}`},
		{name: "empty d1", body: `{"project_key": "p", "d1": [], "d2": [{"id": "a", "label": "A"}]}`},
		{name: "element without label", body: `{"project_key": "p", "d1": [{"id": "a"}], "d2": [{"id": "b", "label": "B"}]}`},
		{name: "duplicate id", body: `{"project_key": "p", "d1": [{"id": "a", "label": "A"}, {"id": "a", "label": "B"}], "d2": [{"id": "b", "label": "B"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &recordingChannel{}
			h := newTestServer(&mid.App{Runs: newMemRuns(), Queue: ch})
			rec := do(t, h, http.MethodPost, "/api/alignments", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if len(ch.published) != 0 {
				t.Fatal("rejected requests must not be enqueued")
			}
		})
	}
}

func TestAPIKey(t *testing.T) {
	h := newTestServer(&mid.App{Runs: newMemRuns(), Queue: &recordingChannel{}, APIKey: "secret"})

	if rec := do(t, h, http.MethodGet, "/api/alignments/x", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/alignments/x", "", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/alignments/x", "", map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusNotFound {
		t.Fatalf("valid key: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestGetAlignment(t *testing.T) {
	runs := newMemRuns()
	runs.runs["done"] = &store.Run{ID: "done", Status: store.RunCompleted, Percent: 100}
	runs.runs["busy"] = &store.Run{ID: "busy", Status: store.RunRunning, Phase: pipeline.PhaseMerging}
	runs.venns["done"] = &common.VennResult{Summary: common.VennSummary{AlignmentScore: 80, AlignedCount: 4}}
	h := newTestServer(&mid.App{Runs: runs, Queue: &recordingChannel{}})

	rec := do(t, h, http.MethodGet, "/api/alignments/done", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status  string              `json:"status"`
		Summary *common.VennSummary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" || resp.Summary == nil || resp.Summary.AlignedCount != 4 {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/alignments/busy", "", nil)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), `"summary"`) {
		t.Fatalf("running run must not carry a summary: %s", rec.Body.String())
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/alignments/missing", http.StatusNotFound},
		{"/api/alignments/done/venn", http.StatusOK},
		{"/api/alignments/busy/venn", http.StatusConflict},
		{"/api/alignments/missing/venn", http.StatusNotFound},
		{"/api/alignments/done/archive", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodGet, tt.target, "", nil); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}
}

type fixedPredictor struct {
	elements int
}

func (f *fixedPredictor) PredictRunTime(ctx context.Context, elements int) (time.Duration, error) {
	f.elements = elements
	return time.Hour, nil
}

func TestGetAlignmentEstimate(t *testing.T) {
	runs := newMemRuns()
	runs.runs["busy"] = &store.Run{ID: "busy", Status: store.RunRunning, Elements: 12, CreatedAt: time.Now()}
	finished := time.Now()
	runs.runs["done"] = &store.Run{ID: "done", Status: store.RunCompleted, FinishedAt: &finished}
	predictor := &fixedPredictor{}
	h := newTestServer(&mid.App{Runs: runs, Queue: &recordingChannel{}, Timings: predictor})

	var resp struct {
		EstimatedRemainingMs int64 `json:"estimated_remaining_ms"`
	}
	rec := do(t, h, http.MethodGet, "/api/alignments/busy", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if predictor.elements != 12 || resp.EstimatedRemainingMs <= 0 || resp.EstimatedRemainingMs > time.Hour.Milliseconds() {
		t.Fatalf("unexpected estimate %d for %d elements", resp.EstimatedRemainingMs, predictor.elements)
	}

	rec = do(t, h, http.MethodGet, "/api/alignments/done", "", nil)
	if strings.Contains(rec.Body.String(), "estimated_remaining_ms") {
		t.Fatalf("finished runs carry no estimate: %s", rec.Body.String())
	}
}

func TestAbortAlignment(t *testing.T) {
	runs := newMemRuns()
	runs.runs["busy"] = &store.Run{ID: "busy", Status: store.RunRunning}
	runs.runs["done"] = &store.Run{ID: "done", Status: store.RunCompleted}
	ch := &recordingChannel{}
	h := newTestServer(&mid.App{Runs: runs, Queue: ch})

	if rec := do(t, h, http.MethodPost, "/api/alignments/done/abort", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("finished run: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/alignments/missing/abort", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: status = %d", rec.Code)
	}
	if len(ch.published) != 0 {
		t.Fatal("nothing may be published for rejected aborts")
	}

	rec := do(t, h, http.MethodPost, "/api/alignments/busy/abort", `{"reason": "wrong corpus"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one abort, got %d", len(ch.published))
	}
	p := ch.published[0]
	if p.exchange != queue.PubSubExchange || p.key != queue.AbortTopic("busy") {
		t.Fatalf("abort published to %s/%s", p.exchange, p.key)
	}
	var msg queue.AbortMsg
	if err := json.Unmarshal(p.body, &msg); err != nil || msg.Reason != "wrong corpus" {
		t.Fatalf("unexpected abort payload %s", p.body)
	}
}

func TestAbortQueuedAlignment(t *testing.T) {
	runs := newMemRuns()
	runs.runs["waiting"] = &store.Run{ID: "waiting", Status: store.RunQueued}
	ch := &recordingChannel{}
	h := newTestServer(&mid.App{Runs: runs, Queue: ch})

	rec := do(t, h, http.MethodPost, "/api/alignments/waiting/abort", `{"reason": "wrong corpus"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(ch.published) != 0 {
		t.Fatalf("a queued run is aborted in place, got %d published messages", len(ch.published))
	}
	run, _ := runs.GetRun(context.Background(), "waiting")
	if run.Status != store.RunAborted || run.Message != "wrong corpus" {
		t.Fatalf("unexpected run state %+v", run)
	}

	if rec := do(t, h, http.MethodPost, "/api/alignments/waiting/abort", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second abort: status = %d", rec.Code)
	}
}

func TestOracleEndpointsDisabled(t *testing.T) {
	h := newTestServer(&mid.App{Runs: newMemRuns(), Queue: &recordingChannel{}})
	for _, path := range []string{"extract", "merge", "score", "venn"} {
		rec := do(t, h, http.MethodPost, "/api/oracle/"+path, `{}`, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestOracleEndpoints(t *testing.T) {
	f := fakeOracles{}
	set := oracle.Set{Extractor: f, Merger: f, Scorer: f, Venn: f}
	h := newTestServer(&mid.App{Runs: newMemRuns(), Queue: &recordingChannel{}, Oracles: set})

	rec := do(t, h, http.MethodPost, "/api/oracle/extract", `{"datasetTag": "D1", "elements": [{"id": "a", "label": "A"}]}`, nil)
	var extracted oracle.ExtractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &extracted); err != nil || !extracted.Success || len(extracted.Concepts) != 1 {
		t.Fatalf("unexpected extract answer %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/oracle/score", `{"concept": {"id": "c1", "label": "Privacy"}}`, nil)
	var scored oracle.ScoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &scored); err != nil || len(scored.Cells) != 1 || scored.Cells[0].Polarity != 0.5 {
		t.Fatalf("unexpected score answer %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/oracle/merge", `{"concepts": [{"id": "c1"}, {"id": "c2"}], "round": 1}`, nil)
	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	for _, want := range []string{"event: progress", "event: merge", "event: result", "event: done"} {
		if !strings.Contains(body, want) {
			t.Fatalf("merge stream lacks %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: merge") > strings.Index(body, "event: result") {
		t.Fatal("items must precede the result")
	}

	rec = do(t, h, http.MethodPost, "/api/oracle/venn", `{}`, nil)
	if !strings.Contains(rec.Body.String(), "event: item") || !strings.Contains(rec.Body.String(), "event: done") {
		t.Fatalf("unexpected venn stream:\n%s", rec.Body.String())
	}
}
