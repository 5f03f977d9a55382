package pipeline

// Phase is a state of the orchestrator.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCreating  Phase = "creating_nodes"
	PhaseExtractD1 Phase = "extracting_d1"
	PhaseExtractD2 Phase = "extracting_d2"
	PhaseMerging   Phase = "merging_concepts"
	PhaseGraph     Phase = "building_graph"
	PhaseTesseract Phase = "building_tesseract"
	PhaseVenn      Phase = "generating_venn"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
	PhaseAborted   Phase = "aborted"
)

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseAborted
}

// phaseRange is the share of the overall percentage a phase covers.
type phaseRange struct{ from, to float64 }

var phaseRanges = map[Phase]phaseRange{
	PhaseIdle:      {0, 0},
	PhaseCreating:  {0, 5},
	PhaseExtractD1: {5, 40},
	PhaseExtractD2: {5, 40},
	PhaseMerging:   {40, 60},
	PhaseGraph:     {60, 65},
	PhaseTesseract: {65, 90},
	PhaseVenn:      {90, 100},
	PhaseCompleted: {100, 100},
}

// percentOf maps done/total of phase p onto the overall percentage.
func percentOf(p Phase, done, total int) float64 {
	r, ok := phaseRanges[p]
	if !ok {
		return 0
	}
	if total <= 0 {
		return r.from
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	return float64(int((r.from+(r.to-r.from)*frac)*100)) / 100
}

// Counts are the arena sizes at the time of a snapshot.
type Counts struct {
	Elements       int `json:"elements"`
	Concepts       int `json:"concepts"`
	ActiveConcepts int `json:"active_concepts"`
	Nodes          int `json:"nodes"`
	Edges          int `json:"edges"`
	Cells          int `json:"cells"`
	BatchesDone    int `json:"batches_done"`
	BatchesTotal   int `json:"batches_total"`
	Round          int `json:"round,omitempty"`
	ScoredDone     int `json:"scored_done"`
	ScoredTotal    int `json:"scored_total"`
}

// Progress is an observational snapshot published during a run.
type Progress struct {
	RunID   string  `json:"run_id"`
	Phase   Phase   `json:"phase"`
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
	Counts  Counts  `json:"counts"`
}

// ProgressFunc receives progress snapshots. It must not block for long.
type ProgressFunc func(Progress)
