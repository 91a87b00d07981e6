// Package pipeline runs the periodic background work: batch and session
// recovery, observation extraction, session summarization, auto-backup, and
// audit pruning. One tick executes the stages in a fixed order; power-state
// gating can skip the heavier stages. Failures in one stage never block the
// next, and every stage is idempotent across ticks.
package pipeline

import (
	"context"
	"sync"
	"time"

	"oakci/internal/backup"
	"oakci/internal/config"
	"oakci/internal/hookstate"
	"oakci/internal/logging"
	"oakci/internal/memory"
	"oakci/internal/power"
	"oakci/internal/store"
	"oakci/internal/summarize"
	"oakci/internal/types"
)

// Pipeline owns the background worker.
type Pipeline struct {
	cfg       config.PipelineConfig
	store     *store.Store
	extractor *summarize.Extractor
	memory    *memory.Engine
	power     *power.Controller
	scheduler *power.Scheduler
	backups   *backup.Manager
	cache     *hookstate.Cache

	projectRoot  string
	govRetention int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// LastTick exposes the most recent tick outcome for the status API.
	lastResult TickResult
}

// Options wires the pipeline's collaborators. Extractor, memory engine,
// backup manager, scheduler, and cache are each optional; stages without
// their collaborator are skipped.
type Options struct {
	Config      config.PipelineConfig
	Store       *store.Store
	Extractor   *summarize.Extractor
	Memory      *memory.Engine
	Power       *power.Controller
	Scheduler   *power.Scheduler
	Backups     *backup.Manager
	Cache       *hookstate.Cache
	ProjectRoot string
	Governance  config.GovernanceConfig
}

// TickResult summarizes one tick for status reporting.
type TickResult struct {
	At                 time.Time   `json:"at"`
	State              power.State `json:"power_state"`
	StuckBatches       int         `json:"stuck_batches"`
	StaleSessions      int         `json:"stale_sessions"`
	OrphansAdopted     int         `json:"orphans_adopted"`
	BatchesExtracted   int         `json:"batches_extracted"`
	ObservationsStored int         `json:"observations_stored"`
	SessionsSummarized int         `json:"sessions_summarized"`
	TasksDispatched    int         `json:"tasks_dispatched"`
	BackupRan          bool        `json:"backup_ran"`
	AuditPruned        int64       `json:"audit_pruned"`
}

// New creates the pipeline.
func New(opts Options) *Pipeline {
	cfg := opts.Config
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 60
	}
	if cfg.StuckBatchMinutes <= 0 {
		cfg.StuckBatchMinutes = 5
	}
	if cfg.StaleSessionMinutes <= 0 {
		cfg.StaleSessionMinutes = 60
	}
	if cfg.MaxExtractionAttempts <= 0 {
		cfg.MaxExtractionAttempts = 5
	}
	return &Pipeline{
		cfg:         cfg,
		store:       opts.Store,
		extractor:   opts.Extractor,
		memory:      opts.Memory,
		power:       opts.Power,
		scheduler:   opts.Scheduler,
		backups:     opts.Backups,
		cache:       opts.Cache,
		projectRoot: opts.ProjectRoot,
		govRetention: opts.Governance.RetentionDays,
	}
}

// Start launches the background worker. Safe to call once.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(p.cfg.TickSeconds) * time.Second)
		defer ticker.Stop()
		logging.Pipeline("Background pipeline started (tick %ds)", p.cfg.TickSeconds)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop shuts the worker down and waits for the current tick to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
	logging.Pipeline("Background pipeline stopped")
}

// LastTick returns the most recent tick result.
func (p *Pipeline) LastTick() TickResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastResult
}

// Tick runs one full pass. Exported so devtools and tests can force a pass.
func (p *Pipeline) Tick(ctx context.Context) TickResult {
	timer := logging.StartTimer(logging.CategoryPipeline, "Tick")
	defer timer.Stop()

	res := TickResult{At: time.Now(), State: power.Active}
	if p.power != nil {
		res.State = p.power.CurrentState()
	}

	if power.AllowsIn(res.State, power.StageRecovery) {
		res.StuckBatches = p.finalizeStuckBatches()
		res.StaleSessions = p.recoverStaleSessions()
		res.OrphansAdopted = p.adoptOrphans()
	}
	if ctx.Err() != nil {
		return res
	}
	if power.AllowsIn(res.State, power.StageExtract) {
		res.BatchesExtracted, res.ObservationsStored = p.extractObservations(ctx)
		res.SessionsSummarized = p.summarizeSessions(ctx)
	}
	if ctx.Err() != nil {
		return res
	}
	if power.AllowsIn(res.State, power.StageEmbed) {
		p.embedPlans(ctx)
	}
	if power.AllowsIn(res.State, power.StageRecovery) && p.scheduler != nil {
		res.TasksDispatched = p.scheduler.Tick(res.At)
	}
	if power.AllowsIn(res.State, power.StageBackup) {
		res.BackupRan = p.autoBackup(res.At)
	}
	if power.AllowsIn(res.State, power.StageRecovery) {
		res.AuditPruned = p.pruneAudit()
	}

	p.mu.Lock()
	p.lastResult = res
	p.mu.Unlock()
	return res
}

// finalizeStuckBatches completes batches active with no activity for the
// stuck window.
func (p *Pipeline) finalizeStuckBatches() int {
	cutoff := time.Now().Add(-time.Duration(p.cfg.StuckBatchMinutes) * time.Minute)
	batches, err := p.store.StuckActiveBatches(cutoff)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Stuck batch sweep failed: %v", err)
		return 0
	}
	n := 0
	for _, b := range batches {
		if err := p.store.CompleteBatch(b.ID, "(auto-completed: no further activity)"); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to finalize batch %s: %v", b.ID, err)
			continue
		}
		p.invalidate(b.SessionID)
		n++
	}
	if n > 0 {
		logging.Pipeline("Finalized %d stuck batches", n)
	}
	return n
}

// recoverStaleSessions ends sessions whose last activity is older than the
// stale window.
func (p *Pipeline) recoverStaleSessions() int {
	cutoff := time.Now().Add(-time.Duration(p.cfg.StaleSessionMinutes) * time.Minute)
	sessions, err := p.store.StaleActiveSessions(cutoff)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Stale session sweep failed: %v", err)
		return 0
	}
	n := 0
	for _, s := range sessions {
		if err := p.store.EndSession(s.ID); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to end stale session %s: %v", s.ID, err)
			continue
		}
		p.invalidate(s.ID)
		n++
	}
	if n > 0 {
		logging.Pipeline("Recovered %d stale sessions", n)
	}
	return n
}

// adoptOrphans attaches batch-less activities to the nearest batch in time,
// creating a recovery batch when the session has none.
func (p *Pipeline) adoptOrphans() int {
	orphans, err := p.store.OrphanActivities(100)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Orphan sweep failed: %v", err)
		return 0
	}
	recoveryBatches := make(map[string]string) // session -> recovery batch id
	n := 0
	for _, a := range orphans {
		batch, err := p.store.NearestBatch(a.SessionID, a.CreatedAt)
		var batchID string
		if err == nil && batch != nil {
			batchID = batch.ID
		} else if id, ok := recoveryBatches[a.SessionID]; ok {
			batchID = id
		} else {
			rb, err := p.store.BeginBatch(a.SessionID, "(recovery batch for orphaned activities)", types.SourceSystem)
			if err != nil {
				logging.Get(logging.CategoryPipeline).Warn("Failed to create recovery batch for %s: %v", a.SessionID, err)
				continue
			}
			recoveryBatches[a.SessionID] = rb.ID
			batchID = rb.ID
		}
		if err := p.store.AdoptOrphan(a.ID, batchID); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to adopt activity %s: %v", a.ID, err)
			continue
		}
		n++
	}
	// Recovery batches complete immediately so extraction can pick them up.
	for sessionID, id := range recoveryBatches {
		if err := p.store.CompleteBatch(id, ""); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to complete recovery batch %s: %v", id, err)
		}
		p.invalidate(sessionID)
	}
	if n > 0 {
		logging.Pipeline("Adopted %d orphan activities", n)
	}
	return n
}

// extractObservations runs the extraction prompt over unprocessed completed
// batches, stores deduped observations, indexes them, and auto-resolves.
func (p *Pipeline) extractObservations(ctx context.Context) (batches, stored int) {
	if p.extractor == nil {
		return 0, 0
	}
	pending, err := p.store.UnprocessedCompletedBatches(p.cfg.MaxExtractionAttempts, 10)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Failed to list unprocessed batches: %v", err)
		return 0, 0
	}

	for _, b := range pending {
		if ctx.Err() != nil {
			return batches, stored
		}
		activities, err := p.store.BatchActivities(b.ID)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to load activities for %s: %v", b.ID, err)
			continue
		}
		observations, err := p.extractor.ExtractObservations(ctx, b, activities)
		if err != nil {
			if rerr := p.store.RecordExtractionFailure(b.ID, err, p.cfg.MaxExtractionAttempts); rerr != nil {
				logging.Get(logging.CategoryPipeline).Warn("Failed to record extraction failure: %v", rerr)
			}
			continue
		}

		count := 0
		for _, obs := range observations {
			id, err := p.store.InsertObservation(obs)
			if err != nil {
				logging.Get(logging.CategoryPipeline).Warn("Failed to store observation: %v", err)
				continue
			}
			obs.ID = id
			count++
			if p.memory != nil {
				if err := p.memory.IndexObservation(ctx, obs); err != nil {
					logging.PipelineDebug("Observation %s not indexed: %v", id, err)
					continue
				}
				cands, err := p.memory.AutoResolveCandidates(ctx, obs)
				if err != nil {
					logging.PipelineDebug("Auto-resolve lookup failed for %s: %v", id, err)
					continue
				}
				p.memory.ApplyAutoResolve(id, cands)
			}
		}
		if err := p.store.MarkBatchProcessed(b.ID, count); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to mark batch %s processed: %v", b.ID, err)
			continue
		}
		batches++
		stored += count
	}
	if batches > 0 {
		logging.Pipeline("Extracted %d observations from %d batches", stored, batches)
	}
	return batches, stored
}

// summarizeSessions generates summary and title for completed sessions and
// embeds the summary.
func (p *Pipeline) summarizeSessions(ctx context.Context) int {
	if p.extractor == nil {
		return 0
	}
	sessions, err := p.store.SessionsNeedingSummary(5)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Failed to list sessions needing summary: %v", err)
		return 0
	}
	n := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return n
		}
		batchList, err := p.store.ListBatches(s.ID, 50, 0)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to load batches for %s: %v", s.ID, err)
			continue
		}
		summary, err := p.extractor.SummarizeSession(ctx, s, batchList)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to summarize session %s: %v", s.ID, err)
			continue
		}
		title := ""
		if !s.TitleManuallySet {
			title, err = p.extractor.GenerateTitle(ctx, summary)
			if err != nil {
				logging.PipelineDebug("Title generation failed for %s: %v", s.ID, err)
			}
		}
		if err := p.store.SetSessionSummary(s.ID, summary, title); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Failed to store summary for %s: %v", s.ID, err)
			continue
		}
		n++

		if p.memory != nil {
			s.Summary = summary
			if title != "" {
				s.Title = title
			}
			if err := p.memory.IndexSessionSummary(ctx, s); err != nil {
				logging.PipelineDebug("Summary for %s not embedded: %v", s.ID, err)
				continue
			}
			if err := p.store.MarkSummaryEmbedded(s.ID); err != nil {
				logging.PipelineDebug("Failed to flag summary embedded for %s: %v", s.ID, err)
			}
		}
	}
	if n > 0 {
		logging.Pipeline("Summarized %d sessions", n)
	}
	return n
}

// embedPlans indexes plans captured by the hook API but not yet embedded.
func (p *Pipeline) embedPlans(ctx context.Context) {
	if p.memory == nil {
		return
	}
	plans, err := p.store.PlansNeedingEmbedding(10)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Failed to list plans needing embedding: %v", err)
		return
	}
	for _, plan := range plans {
		if ctx.Err() != nil {
			return
		}
		if err := p.memory.IndexPlan(ctx, plan); err != nil {
			logging.PipelineDebug("Plan %s not embedded: %v", plan.ID, err)
			continue
		}
		if err := p.store.MarkPlanEmbedded(plan.ID); err != nil {
			logging.PipelineDebug("Failed to flag plan embedded %s: %v", plan.ID, err)
		}
	}
}

func (p *Pipeline) autoBackup(now time.Time) bool {
	if p.backups == nil || !p.backups.AutoBackupDue(now) {
		return false
	}
	if _, err := p.backups.Create(p.projectRoot); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Auto-backup failed: %v", err)
		return false
	}
	return true
}

func (p *Pipeline) pruneAudit() int64 {
	if p.govRetention <= 0 {
		return 0
	}
	n, err := p.store.PruneAudit(p.govRetention)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Audit prune failed: %v", err)
		return 0
	}
	return n
}

// invalidate drops the hot-cache entry after recovery mutates store state.
func (p *Pipeline) invalidate(sessionID string) {
	if p.cache != nil {
		p.cache.Invalidate(sessionID)
	}
}
