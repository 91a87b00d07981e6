package memory

import (
	"context"
	"math"
	"strings"
	"testing"

	"oakci/internal/store"
	"oakci/internal/types"
	"oakci/internal/vector"
)

// stubEmbedder returns a fixed vector per known text and a default for
// everything else, so similarity is fully under test control.
type stubEmbedder struct {
	dim     int
	vectors map[string][]float32
	def     []float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return s.def, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dim }
func (s *stubEmbedder) Name() string    { return "stub" }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *vector.Index, *stubEmbedder) {
	t.Helper()
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := vector.Open(":memory:", 3)
	if err != nil {
		t.Fatalf("vector.Open failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	emb := &stubEmbedder{
		dim:     3,
		vectors: map[string][]float32{},
		def:     []float32{0, 0, 1},
	}
	return NewEngine(st, idx, emb), st, idx, emb
}

func addObservation(t *testing.T, st *store.Store, idx *vector.Index, text string, memType types.MemoryType, context string, emb []float32) string {
	t.Helper()
	id, err := st.InsertObservation(&types.Observation{
		MemoryType:  memType,
		Observation: text,
		Context:     context,
		Importance:  5,
	})
	if err != nil {
		t.Fatalf("InsertObservation failed: %v", err)
	}
	err = idx.Upsert(&vector.Entry{
		Kind:        types.KindObservation,
		RefID:       id,
		FilePath:    context,
		Content:     text,
		ContentHash: types.ContentHash(text),
	}, emb)
	if err != nil {
		t.Fatalf("index upsert failed: %v", err)
	}
	return id
}

func TestConfidenceTiers(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, "high"},
		{0.75, "high"},
		{0.74, "medium"},
		{0.60, "medium"},
		{0.59, "low"},
		{0.45, "low"},
		{0.44, ""},
		{0.10, ""},
	}
	for _, tc := range cases {
		if got := ConfidenceTier(tc.score); got != tc.want {
			t.Errorf("ConfidenceTier(%.2f) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestSearchDropsBelowFloor(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)
	emb.vectors["auth"] = []float32{1, 0, 0}

	// Near-orthogonal to the query: similarity well below 0.45.
	addObservation(t, st, idx, "unrelated note", types.MemoryGotcha, "", []float32{0, 1, 0})
	// Strongly aligned: similarity 1.0.
	addObservation(t, st, idx, "auth tokens rotate hourly", types.MemoryGotcha, "", []float32{1, 0, 0})

	results, err := e.Search(context.Background(), SearchRequest{Query: "auth", SearchType: "memory", K: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Memory) != 1 {
		t.Fatalf("Expected 1 result above floor, got %d", len(results.Memory))
	}
	r := results.Memory[0]
	if r.Content != "auth tokens rotate hourly" || r.Confidence != "high" {
		t.Errorf("Unexpected result: %+v", r)
	}
}

func TestSearchFiltersResolvedByDefault(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)
	emb.vectors["query"] = []float32{1, 0, 0}

	activeID := addObservation(t, st, idx, "active fact", types.MemoryDecision, "", []float32{1, 0, 0})
	resolvedID := addObservation(t, st, idx, "resolved fact", types.MemoryDecision, "", []float32{0.99, 0.1, 0})
	if err := st.SetObservationStatus(resolvedID, types.ObservationResolved, "done", "test", ""); err != nil {
		t.Fatalf("SetObservationStatus failed: %v", err)
	}

	results, err := e.Search(context.Background(), SearchRequest{Query: "query", SearchType: "memory", K: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Memory) != 1 || results.Memory[0].RefID != activeID {
		t.Errorf("Default search should only see active observations: %+v", results.Memory)
	}

	results, err = e.Search(context.Background(), SearchRequest{
		Query: "query", SearchType: "memory", K: 10, IncludeResolved: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Memory) != 2 {
		t.Errorf("IncludeResolved should surface both, got %d", len(results.Memory))
	}
}

func TestDocTypeWeightsApplyToCodeOnly(t *testing.T) {
	e, _, idx, emb := newTestEngine(t)
	emb.vectors["handler"] = []float32{1, 0, 0}

	entries := []*vector.Entry{
		{Kind: types.KindCode, RefID: "c1", FilePath: "a.go", DocType: types.DocCode, Content: "code"},
		{Kind: types.KindCode, RefID: "c2", FilePath: "a_test.go", DocType: types.DocTests, Content: "test"},
	}
	// Same raw similarity for both.
	for _, en := range entries {
		en.ContentHash = types.ContentHash(en.Content)
		if err := idx.Upsert(en, []float32{1, 0, 0}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := e.Search(context.Background(), SearchRequest{Query: "handler", SearchType: "code", K: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Code) != 2 {
		t.Fatalf("Expected 2 code results, got %d", len(results.Code))
	}
	if results.Code[0].FilePath != "a.go" {
		t.Errorf("Code doc_type should outrank tests at equal similarity: %+v", results.Code)
	}
	if results.Code[0].Relevance <= results.Code[1].Relevance {
		t.Errorf("Weights not applied: %.3f vs %.3f", results.Code[0].Relevance, results.Code[1].Relevance)
	}
}

func TestAutoResolveThresholds(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)

	newText := "connection pool capped at 10"
	emb.vectors[newText] = []float32{1, 0, 0}

	// Same context: 0.85 threshold applies, 0.88 clears it.
	sameCtxID := addObservation(t, st, idx, "pool size is 10", types.MemoryDecision, "db.go", vecWithCos(0.88))
	// Different context: 0.92 threshold, 0.88 does not clear it.
	addObservation(t, st, idx, "pool limit exists", types.MemoryDecision, "other.go", vecWithCos(0.88))
	// Different context but very close: clears 0.92.
	farCtxID := addObservation(t, st, idx, "pool is limited to ten", types.MemoryDecision, "other.go", vecWithCos(0.95))
	// Different type never resolves.
	addObservation(t, st, idx, "pool gotcha", types.MemoryGotcha, "db.go", vecWithCos(0.99))

	newObs := &types.Observation{ID: "new-obs", MemoryType: types.MemoryDecision, Observation: newText, Context: "db.go"}
	cands, err := e.AutoResolveCandidates(context.Background(), newObs)
	if err != nil {
		t.Fatalf("AutoResolveCandidates failed: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("Expected 2 candidates, got %d: %+v", len(cands), cands)
	}
	got := map[string]bool{}
	for _, c := range cands {
		got[c.Observation.ID] = true
	}
	if !got[sameCtxID] || !got[farCtxID] {
		t.Errorf("Wrong candidate set: %v", got)
	}

	resolved := e.ApplyAutoResolve("new-obs", cands)
	if resolved != 2 {
		t.Errorf("Expected 2 resolved, got %d", resolved)
	}
	old, err := st.GetObservation(sameCtxID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != types.ObservationSuperseded || old.SupersededBy != "new-obs" {
		t.Errorf("Candidate not superseded: %+v", old)
	}
}

func TestContextForTaskCapsAndRenders(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)
	emb.vectors["fix the login flow"] = []float32{1, 0, 0}

	// 12 matching memories; only 10 may be injected.
	for i := 0; i < 12; i++ {
		addObservation(t, st, idx, "memory "+strings.Repeat("x", i+1), types.MemoryGotcha, "", []float32{1, 0, 0})
	}
	// Code chunk longer than the line cap.
	longCode := strings.Repeat("line\n", 80)
	err := idx.Upsert(&vector.Entry{
		Kind: types.KindCode, RefID: "chunk1", FilePath: "auth/login.go",
		DocType: types.DocCode, StartLine: 1, EndLine: 80,
		Name: "Login", Content: strings.TrimRight(longCode, "\n"),
		ContentHash: types.ContentHash(longCode),
	}, []float32{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}

	payload, err := e.ContextForTask(context.Background(), "fix the login flow", nil)
	if err != nil {
		t.Fatalf("ContextForTask failed: %v", err)
	}
	if payload == "" {
		t.Fatal("Expected non-empty payload")
	}
	if n := strings.Count(payload, "- [gotcha]"); n != MaxInjectedMemories {
		t.Errorf("Expected %d injected memories, got %d", MaxInjectedMemories, n)
	}
	if !strings.Contains(payload, "auth/login.go:1-80 (Login)") {
		t.Errorf("Code header missing:\n%s", payload)
	}
	if !strings.Contains(payload, "(30 more lines)") {
		t.Errorf("Code not truncated to %d lines:\n%s", MaxInjectedCodeLines, payload)
	}
}

func TestContextForTaskEmptyWhenNothingRelevant(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)
	emb.vectors["deploy pipeline"] = []float32{1, 0, 0}
	addObservation(t, st, idx, "orthogonal", types.MemoryGotcha, "", []float32{0, 1, 0})

	payload, err := e.ContextForTask(context.Background(), "deploy pipeline", nil)
	if err != nil {
		t.Fatalf("ContextForTask failed: %v", err)
	}
	if payload != "" {
		t.Errorf("Expected empty payload, got:\n%s", payload)
	}
}

func TestFileContextRequiresMediumConfidence(t *testing.T) {
	e, st, idx, emb := newTestEngine(t)
	emb.vectors["store.go"] = []float32{1, 0, 0}

	addObservation(t, st, idx, "strong store fact", types.MemoryGotcha, "store.go", vecWithCos(0.80))
	addObservation(t, st, idx, "weak store fact", types.MemoryGotcha, "store.go", vecWithCos(0.50))

	payload, err := e.FileContext(context.Background(), "store.go")
	if err != nil {
		t.Fatalf("FileContext failed: %v", err)
	}
	if !strings.Contains(payload, "strong store fact") {
		t.Errorf("Medium+ observation missing:\n%s", payload)
	}
	if strings.Contains(payload, "weak store fact") {
		t.Errorf("Low-confidence observation injected:\n%s", payload)
	}
}

func TestSessionStartContext(t *testing.T) {
	e, st, idx, _ := newTestEngine(t)

	sess := &types.Session{ID: "sess-1", Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive}
	if err := st.UpsertSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSessionSummary("sess-1", "Refactored the store layer", "Store refactor"); err != nil {
		t.Fatal(err)
	}
	addObservation(t, st, idx, "store uses a single writer", types.MemoryDecision, "store.go", []float32{1, 0, 0})

	payload, err := e.SessionStartContext(st)
	if err != nil {
		t.Fatalf("SessionStartContext failed: %v", err)
	}
	if !strings.Contains(payload, "Store refactor: Refactored the store layer") {
		t.Errorf("Session summary missing:\n%s", payload)
	}
	if !strings.Contains(payload, "store uses a single writer") {
		t.Errorf("Observation missing:\n%s", payload)
	}
}

// vecWithCos builds a unit vector whose cosine against (1,0,0) is c.
func vecWithCos(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c)), 0}
}
