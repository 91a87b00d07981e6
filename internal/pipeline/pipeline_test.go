package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"oakci/internal/config"
	"oakci/internal/hookstate"
	"oakci/internal/store"
	"oakci/internal/summarize"
	"oakci/internal/types"
)

type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _, _ string) (string, error) {
	if c.calls >= len(c.responses) {
		return `{"observations": []}`, nil
	}
	r := c.responses[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func newTestPipeline(t *testing.T, client summarize.Client) (*Pipeline, *store.Store, *hookstate.Cache) {
	t.Helper()
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cache := hookstate.NewCache()
	var extractor *summarize.Extractor
	if client != nil {
		extractor = summarize.NewExtractor(client)
	}
	p := New(Options{
		Config: config.PipelineConfig{
			TickSeconds:           60,
			StuckBatchMinutes:     5,
			StaleSessionMinutes:   60,
			MaxExtractionAttempts: 5,
		},
		Store:     st,
		Extractor: extractor,
		Cache:     cache,
	})
	return p, st, cache
}

func startSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.UpsertSession(&types.Session{
		ID: id, Agent: "claude", SourceMachineID: "machine-test",
		Status: types.SessionActive, StartedAt: time.Now().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFinalizeStuckBatches(t *testing.T) {
	p, st, cache := newTestPipeline(t, nil)
	startSession(t, st, "s1")
	batch, err := st.BeginBatch("s1", "do things", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}
	cache.SetActiveBatch("s1", batch.ID)

	// Batch started two hours ago with no activity: stuck.
	n := p.finalizeStuckBatches()
	if n != 1 {
		t.Fatalf("Expected 1 finalized batch, got %d", n)
	}
	got, err := st.GetBatch(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.BatchCompleted {
		t.Errorf("Batch not completed: %+v", got)
	}
	if _, ok := cache.Get("s1"); ok {
		t.Error("Recovery must invalidate the hot cache entry")
	}
}

func TestRecoverStaleSessions(t *testing.T) {
	p, st, _ := newTestPipeline(t, nil)
	startSession(t, st, "stale")

	n := p.recoverStaleSessions()
	if n != 1 {
		t.Fatalf("Expected 1 recovered session, got %d", n)
	}
	got, err := st.GetSession("stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.SessionCompleted || got.EndedAt == nil {
		t.Errorf("Session not ended: %+v", got)
	}
}

func TestAdoptOrphansIntoNearestBatch(t *testing.T) {
	p, st, _ := newTestPipeline(t, nil)
	startSession(t, st, "s1")
	batch, err := st.BeginBatch("s1", "prompt", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}

	id, err := st.AppendActivity(&types.Activity{
		SessionID: "s1", ToolName: "Read", ToolUseID: "tu-orphan",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := p.adoptOrphans(); n != 1 {
		t.Fatalf("Expected 1 adoption, got %d", n)
	}
	acts, err := st.BatchActivities(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, a := range acts {
		if a.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("Orphan not attached to the nearest batch")
	}
}

func TestAdoptOrphansCreatesRecoveryBatch(t *testing.T) {
	p, st, _ := newTestPipeline(t, nil)
	startSession(t, st, "s1")

	// Orphan in a session with no batches at all.
	_, err := st.AppendActivity(&types.Activity{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := p.adoptOrphans(); n != 1 {
		t.Fatalf("Expected 1 adoption, got %d", n)
	}
	orphans, err := st.OrphanActivities(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 0 {
		t.Errorf("Orphans remain after recovery: %d", len(orphans))
	}
	batches, err := st.ListBatches("s1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].Status != types.BatchCompleted {
		t.Errorf("Recovery batch missing or not completed: %+v", batches)
	}
}

func TestExtractObservationsMarksProcessed(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"observations": [{"memory_type": "gotcha", "observation": "migrations run at open", "context": "store.go", "importance": 6}]}`,
	}}
	p, st, _ := newTestPipeline(t, client)
	startSession(t, st, "s1")
	batch, err := st.BeginBatch("s1", "investigate the store", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteBatch(batch.ID, "done"); err != nil {
		t.Fatal(err)
	}

	batches, stored := p.extractObservations(context.Background())
	if batches != 1 || stored != 1 {
		t.Fatalf("extract = (%d, %d), want (1, 1)", batches, stored)
	}
	got, err := st.GetBatch(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Processed || got.ObservationsExtracted != 1 {
		t.Errorf("Batch not marked processed: %+v", got)
	}

	obs, err := st.QueryObservations(store.ObservationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || obs[0].Observation != "migrations run at open" {
		t.Errorf("Observation not stored: %+v", obs)
	}

	// Second pass finds nothing to do.
	if b, _ := p.extractObservations(context.Background()); b != 0 {
		t.Errorf("Processed batch re-extracted")
	}
}

func TestExtractionFailureRecordsAttempt(t *testing.T) {
	client := &scriptedClient{responses: []string{"no json here at all"}}
	p, st, _ := newTestPipeline(t, client)
	startSession(t, st, "s1")
	batch, err := st.BeginBatch("s1", "prompt", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteBatch(batch.ID, "done"); err != nil {
		t.Fatal(err)
	}

	if b, _ := p.extractObservations(context.Background()); b != 0 {
		t.Fatalf("Failed extraction should not count as processed")
	}
	got, err := st.GetBatch(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Processed || got.ExtractionAttempts != 1 || got.ExtractionError == "" {
		t.Errorf("Failure not recorded: %+v", got)
	}
}

func TestSummarizeSessions(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Reworked the indexer to skip generated files.",
		"Indexer generated-file skip",
	}}
	p, st, _ := newTestPipeline(t, client)
	startSession(t, st, "s1")
	if err := st.EndSession("s1"); err != nil {
		t.Fatal(err)
	}

	if n := p.summarizeSessions(context.Background()); n != 1 {
		t.Fatalf("Expected 1 summarized session, got %d", n)
	}
	got, err := st.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary == "" || got.Title == "" {
		t.Errorf("Summary or title missing: %+v", got)
	}
}

func TestStartStopDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _, _ := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	cancel()

	// Stop twice is safe.
	p.Stop()
}

func TestTickResultRecorded(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	res := p.Tick(context.Background())
	if res.At.IsZero() {
		t.Error("Tick result missing timestamp")
	}
	if got := p.LastTick(); !got.At.Equal(res.At) {
		t.Errorf("LastTick mismatch: %+v vs %+v", got, res)
	}
}
