package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
)

type fakeClient struct {
	formatAnswers []string
	formatErrs    []error
	streamAnswer  string
	prompts       []string
}

func (f *fakeClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.prompts = append(f.prompts, prompt)
	i := len(f.prompts) - 1
	if i < len(f.formatErrs) && f.formatErrs[i] != nil {
		return f.formatErrs[i]
	}
	return json.Unmarshal([]byte(f.formatAnswers[i]), out)
}

func (f *fakeClient) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	f.prompts = append(f.prompts, messages[0].Message)
	ch := make(chan ai.StreamEvent, len(f.streamAnswer))
	for _, r := range f.streamAnswer {
		ch <- ai.StreamEvent{Type: "content", Content: string(r)}
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error { return nil }
func (f *fakeClient) ResetMetrics()                                                  {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics                                    { return ai.ModelMetrics{} }

func TestExtractRetriesAndFormatsElements(t *testing.T) {
	client := &fakeClient{
		formatErrs:    []error{errors.New("invalid json"), nil},
		formatAnswers: []string{"", `{"concepts":[{"label":"Auth","description":"d","elementIds":["e1"]}]}`},
	}
	o := NewOracle(NewOracleParams{Client: client, MaxRetries: 2})

	resp, err := o.Extract(context.Background(), oracle.ExtractRequest{
		DatasetTag: "d1",
		Elements:   []oracle.Element{{ID: "e1", Label: "Login", Content: "Users log in", Category: "req"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || len(resp.Concepts) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("expected a retry, got %d calls", len(client.prompts))
	}
	if !strings.Contains(client.prompts[0], "[e1] Login (req)") || !strings.Contains(client.prompts[0], "[d1]") {
		t.Fatalf("prompt does not list the element:\n%s", client.prompts[0])
	}
}

func TestMergeStreamsAndReportsProgress(t *testing.T) {
	answer := "```json\n" + `{"merges":[{"sourceIds":["C1","C2"],"mergedLabel":"Auth","mergedDescription":"x"}]}` +
		strings.Repeat(" ", progressEvery) + "\n```"
	client := &fakeClient{streamAnswer: answer}
	o := NewOracle(NewOracleParams{Client: client})

	var progress []string
	resp, err := o.Merge(context.Background(), oracle.MergeRequest{
		Concepts:    []oracle.MergeConcept{{ID: "C1", Label: "Login"}, {ID: "C2", Label: "Sign in"}},
		Round:       2,
		TotalRounds: 3,
		Guidance:    "group by theme",
		TargetCount: 10,
	}, func(msg string) { progress = append(progress, msg) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Merges) != 1 || resp.Merges[0].MergedLabel != "Auth" {
		t.Fatalf("unexpected merges: %+v", resp.Merges)
	}
	if len(progress) == 0 || !strings.HasPrefix(progress[0], "Merge round 2") {
		t.Fatalf("expected progress reports, got %v", progress)
	}
	prompt := client.prompts[0]
	for _, want := range []string{"round 2 of 3", "group by theme", "roughly 10 concepts", "C1 | Login"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt misses %q:\n%s", want, prompt)
		}
	}
}

func TestVennEmptyStream(t *testing.T) {
	o := NewOracle(NewOracleParams{Client: &fakeClient{streamAnswer: "   "}})
	_, err := o.Venn(context.Background(), oracle.VennRequest{}, nil)
	if !errors.Is(err, oracle.ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

func TestScore(t *testing.T) {
	client := &fakeClient{formatAnswers: []string{`{"cells":[{"conceptLabel":"Auth","polarity":0.7,"rationale":"ok"}]}`}}
	o := NewOracle(NewOracleParams{Client: client})

	resp, err := o.Score(context.Background(), oracle.ScoreRequest{Concept: oracle.ScoreConcept{
		ID:         "C3",
		Label:      "Auth",
		D1Elements: []oracle.Element{{ID: "e1", Label: "Login"}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Cells) != 1 || resp.Cells[0].Polarity != 0.7 {
		t.Fatalf("unexpected cells: %+v", resp.Cells)
	}
	if !strings.Contains(client.prompts[0], "D2 elements:\n(none)") {
		t.Fatalf("expected empty D2 marker in prompt:\n%s", client.prompts[0])
	}
}

func TestSetIsComplete(t *testing.T) {
	if err := NewOracle(NewOracleParams{Client: &fakeClient{}}).Set().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
