package summarize

import (
	"context"
	"testing"

	"oakci/internal/types"
)

// stubClient returns canned responses in order.
type stubClient struct {
	responses []string
	calls     int
}

func (s *stubClient) Complete(ctx context.Context, system, user string) (string, error) {
	if s.calls >= len(s.responses) {
		return "", context.DeadlineExceeded
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *stubClient) Name() string { return "stub" }

func testBatch() *types.PromptBatch {
	return &types.PromptBatch{ID: "batch-1", SessionID: "sess-1", UserPrompt: "fix the watcher leak"}
}

func TestExtractObservationsUnwrapsProse(t *testing.T) {
	client := &stubClient{responses: []string{
		"Sure! Here are the observations I found:\n```json\n" +
			`{"observations": [{"memory_type": "gotcha", "observation": "The watcher must drain its debounce map on close", "context": "internal/indexer/watcher.go", "tags": ["fsnotify"], "importance": 7}]}` +
			"\n```\nLet me know if you need more.",
	}}
	e := NewExtractor(client)

	obs, err := e.ExtractObservations(context.Background(), testBatch(), nil)
	if err != nil {
		t.Fatalf("ExtractObservations failed: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("Expected 1 observation, got %d", len(obs))
	}
	o := obs[0]
	if o.MemoryType != types.MemoryGotcha {
		t.Errorf("Unexpected memory type: %s", o.MemoryType)
	}
	if o.SourceBatchID != "batch-1" || o.SourceSessionID != "sess-1" {
		t.Errorf("Lineage not set: %+v", o)
	}
	if o.Importance != 7 {
		t.Errorf("Importance not carried: %d", o.Importance)
	}
}

func TestExtractObservationsDropsInvalidTypes(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"observations": [
			{"memory_type": "gotcha", "observation": "valid one", "importance": 5},
			{"memory_type": "session_summary", "observation": "not allowed here", "importance": 5},
			{"memory_type": "hallucinated_type", "observation": "nope", "importance": 5},
			{"memory_type": "decision", "observation": "", "importance": 5}
		]}`,
	}}
	e := NewExtractor(client)

	obs, err := e.ExtractObservations(context.Background(), testBatch(), nil)
	if err != nil {
		t.Fatalf("ExtractObservations failed: %v", err)
	}
	if len(obs) != 1 || obs[0].Observation != "valid one" {
		t.Errorf("Expected only the valid observation, got %d", len(obs))
	}
}

func TestExtractObservationsNoJSON(t *testing.T) {
	client := &stubClient{responses: []string{"I could not find anything of note."}}
	e := NewExtractor(client)

	if _, err := e.ExtractObservations(context.Background(), testBatch(), nil); err == nil {
		t.Error("Expected error for JSON-free response")
	}
}

func TestExtractObservationsEmptyList(t *testing.T) {
	client := &stubClient{responses: []string{`{"observations": []}`}}
	e := NewExtractor(client)

	obs, err := e.ExtractObservations(context.Background(), testBatch(), nil)
	if err != nil {
		t.Fatalf("Empty list should not error: %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("Expected no observations, got %d", len(obs))
	}
}

func TestImportanceCapAppliedForInvestigation(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"observations": [{"memory_type": "discovery", "observation": "The port derives from the root path", "importance": 9}]}`,
	}}
	e := NewExtractor(client)

	activities := []*types.Activity{
		{ToolName: "Read"}, {ToolName: "Grep"}, {ToolName: "Read"},
	}
	obs, err := e.ExtractObservations(context.Background(), testBatch(), activities)
	if err != nil {
		t.Fatalf("ExtractObservations failed: %v", err)
	}
	if obs[0].SessionOriginType != types.OriginInvestigation {
		t.Errorf("Expected investigation origin, got %s", obs[0].SessionOriginType)
	}
	if obs[0].Importance != 5 {
		t.Errorf("Expected importance capped at 5, got %d", obs[0].Importance)
	}
}

func TestGenerateTitleRetriesOnEmpty(t *testing.T) {
	client := &stubClient{responses: []string{
		"<think>The user wants a title. Let me think about what happened in this session...</think>",
		"Fix watcher shutdown leak",
	}}
	e := NewExtractor(client)

	title, err := e.GenerateTitle(context.Background(), "some summary")
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title != "Fix watcher shutdown leak" {
		t.Errorf("Unexpected title: %q", title)
	}
	if client.calls != 2 {
		t.Errorf("Expected retry, got %d calls", client.calls)
	}
}

func TestGenerateTitleStripsQuotesAndThink(t *testing.T) {
	client := &stubClient{responses: []string{
		"<think>short</think>\n\"Refactor the store layer\"\n\nThis title captures the work well.",
	}}
	e := NewExtractor(client)

	title, err := e.GenerateTitle(context.Background(), "summary")
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title != "Refactor the store layer" {
		t.Errorf("Unexpected title: %q", title)
	}
}

func TestSummarizeSessionRejectsEmpty(t *testing.T) {
	client := &stubClient{responses: []string{"<think>hmm</think>"}}
	e := NewExtractor(client)

	_, err := e.SummarizeSession(context.Background(), &types.Session{Agent: "claude"}, nil)
	if err == nil {
		t.Error("Expected error for empty summary")
	}
}

func TestClassifyOrigin(t *testing.T) {
	cases := []struct {
		name  string
		tools []string
		want  types.OriginType
	}{
		{"empty", nil, types.OriginMixed},
		{"reads only", []string{"Read", "Grep", "Read", "Glob"}, types.OriginInvestigation},
		{"edit heavy", []string{"Edit", "Write", "Edit", "Read"}, types.OriginImplementation},
		{"mixed", []string{"Read", "Read", "Read", "Read", "Read", "Edit"}, types.OriginMixed},
		{"bash only", []string{"Bash", "Bash"}, types.OriginMixed},
	}
	for _, tc := range cases {
		var acts []*types.Activity
		for _, tool := range tc.tools {
			acts = append(acts, &types.Activity{ToolName: tool})
		}
		if got := ClassifyOrigin(acts); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestFindJSONCandidates(t *testing.T) {
	input := `prose {"a": {"nested": "with \"escaped\" quotes and a } in string: "}"} trailing {"b": 2}`
	got := findJSONCandidates(input)
	if len(got) != 2 {
		t.Fatalf("Expected 2 candidates, got %d: %v", len(got), got)
	}
	if got[1] != `{"b": 2}` {
		t.Errorf("Unexpected second candidate: %s", got[1])
	}
}
