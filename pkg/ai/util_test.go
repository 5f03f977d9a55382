package ai

import (
	"context"
	"testing"
)

type concept struct {
	Label      string   `json:"label"`
	ElementIDs []string `json:"elementIds,omitempty"`
}

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "valid json object", input: `{"label":"Auth"}`, want: "Auth"},
		{name: "unquoted key and single quotes", input: `{label: 'Auth'}`, want: "Auth"},
		{name: "trailing comma", input: `{"label":"Auth",}`, want: "Auth"},
		{name: "missing endbracket", input: `{"label":"Auth`, want: "Auth"},
		{name: "stringified invalid json object", input: `"{label: 'Auth'}"`, want: "Auth"},
		{name: "duplicate leading brace", input: "{\n{\n  \"label\": \"Auth\"\n}\n", want: "Auth"},
		{name: "markdown fence", input: "```json\n{\"label\":\"Auth\"}\n```", want: "Auth"},
		{name: "bare fence", input: "```\n{\"label\":\"Auth\"}```", want: "Auth"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got concept
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Label != tc.want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want label %q", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	input := `[{label:'A', elementIds:['e1']},{label:'B',}]`
	var got []concept
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Label != "A" || got[1].Label != "B" || len(got[0].ElementIDs) != 1 {
		t.Fatalf("UnmarshalFlexible() got = %+v, want concepts A,B", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got concept
	if err := UnmarshalFlexible("hello", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}

func TestCollectStream(t *testing.T) {
	ch := make(chan StreamEvent, 4)
	ch <- StreamEvent{Type: "step", Step: "thinking", Reasoning: "hmm"}
	ch <- StreamEvent{Type: "content", Content: `{"merges":`}
	ch <- StreamEvent{Type: "content", Content: `[]}`}
	close(ch)

	var calls []int
	got, err := CollectStream(context.Background(), ch, func(n int) { calls = append(calls, n) })
	if err != nil {
		t.Fatalf("CollectStream() error = %v", err)
	}
	if got != `{"merges":[]}` {
		t.Fatalf("CollectStream() = %q", got)
	}
	if len(calls) != 2 || calls[1] != len(got) {
		t.Fatalf("unexpected chunk callbacks: %v", calls)
	}
}

func TestCollectStreamCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CollectStream(ctx, make(chan StreamEvent), nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNormalizeLabel(t *testing.T) {
	tests := map[string]string{
		"  user   login\n": "USER LOGIN",
		"User Login":       "USER LOGIN",
		"   ":              "",
	}
	for in, want := range tests {
		if got := NormalizeLabel(in); got != want {
			t.Fatalf("NormalizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestModelMetricsAdd(t *testing.T) {
	var m ModelMetrics
	m.Add(ModelMetrics{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, DurationMs: 500})
	m.Add(ModelMetrics{InputTokens: 10, OutputTokens: 40, TotalTokens: 50, DurationMs: 500})

	if m.TotalTokens != 200 || m.DurationMs != 1000 {
		t.Fatalf("unexpected totals: %+v", m)
	}
	if m.TokenPerSecond != 200 {
		t.Fatalf("TokenPerSecond = %v, want 200", m.TokenPerSecond)
	}
}
