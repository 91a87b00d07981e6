// Package memory ranks everything the daemon knows (code chunks,
// observations, plans, session summaries) for search and hook injection.
// Scores are raw cosine similarity bucketed into confidence tiers; results
// below the low tier are dropped entirely.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"oakci/internal/embedding"
	"oakci/internal/logging"
	"oakci/internal/store"
	"oakci/internal/types"
	"oakci/internal/vector"
)

// Confidence tiers over raw cosine relevance.
const (
	HighConfidence   = 0.75
	MediumConfidence = 0.60
	LowConfidence    = 0.45
)

// Auto-resolve thresholds: a new observation supersedes an old one of the
// same type when similarity clears the bar. The bar is lower when both
// reference the same file or context.
const (
	autoResolveSameContext = 0.85
	autoResolveDefault     = 0.92
)

// Injection caps per payload.
const (
	MaxInjectedCodeChunks = 3
	MaxInjectedCodeLines  = 50
	MaxInjectedMemories   = 10
	MaxInjectedSummaries  = 5
)

// Doc-type ranking weights, applied to code results only.
var docTypeWeights = map[types.DocType]float64{
	types.DocCode:      1.05,
	types.DocTests:     0.95,
	types.DocDocs:      1.0,
	types.DocConfig:    1.0,
	types.DocGenerated: 0.90,
}

// Engine is the unified search layer.
type Engine struct {
	store  *store.Store
	index  *vector.Index
	engine embedding.Engine

	// ApplyDocTypeWeights toggles the code ranking boost/penalty.
	ApplyDocTypeWeights bool
}

// NewEngine creates the memory engine.
func NewEngine(st *store.Store, index *vector.Index, emb embedding.Engine) *Engine {
	return &Engine{store: st, index: index, engine: emb, ApplyDocTypeWeights: true}
}

// Result is one scored search hit.
type Result struct {
	Kind       types.VectorKind `json:"kind"`
	RefID      string           `json:"ref_id"`
	Relevance  float64          `json:"relevance"`
	Confidence string           `json:"confidence"`

	// Code fields
	FilePath  string `json:"file_path,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content,omitempty"`

	// Observation / plan / summary fields
	MemoryType string `json:"memory_type,omitempty"`
	Context    string `json:"context,omitempty"`
	Title      string `json:"title,omitempty"`
}

// SearchResults groups hits per kind.
type SearchResults struct {
	Code     []*Result `json:"code"`
	Memory   []*Result `json:"memory"`
	Plans    []*Result `json:"plans"`
	Sessions []*Result `json:"sessions"`
}

// SearchRequest shapes a unified search.
type SearchRequest struct {
	Query           string
	SearchType      string // "all", "code", "memory", "plans", "sessions"
	K               int
	IncludeResolved bool
	FilePath        string
	MemoryType      types.MemoryType
}

// Search embeds the query and ranks across the requested kinds.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResults, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Search")
	defer timer.Stop()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if req.K <= 0 {
		req.K = 10
	}

	queryEmb, err := e.engine.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	kinds := kindsFor(req.SearchType)
	entries, err := e.index.Search(queryEmb, vector.SearchOptions{
		Kinds:    kinds,
		FilePath: req.FilePath,
		Limit:    req.K * 4, // rank and filter below
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := &SearchResults{}
	for _, entry := range entries {
		r := e.score(entry)
		if r == nil {
			continue
		}
		switch entry.Kind {
		case types.KindCode:
			results.Code = append(results.Code, r)
		case types.KindObservation:
			if !e.observationVisible(entry.RefID, req, r) {
				continue
			}
			results.Memory = append(results.Memory, r)
		case types.KindPlan:
			results.Plans = append(results.Plans, r)
		case types.KindSessionSummary:
			results.Sessions = append(results.Sessions, r)
		}
	}

	sortByRelevance(results.Code)
	sortByRelevance(results.Memory)
	sortByRelevance(results.Plans)
	sortByRelevance(results.Sessions)
	capResults(&results.Code, req.K)
	capResults(&results.Memory, req.K)
	capResults(&results.Plans, req.K)
	capResults(&results.Sessions, req.K)

	logging.MemoryDebug("Search %q: %d code, %d memory, %d plans, %d sessions",
		req.Query, len(results.Code), len(results.Memory), len(results.Plans), len(results.Sessions))
	return results, nil
}

// score converts an index entry into a Result, applying doc-type weights on
// code and dropping anything below the low-confidence floor.
func (e *Engine) score(entry *vector.Entry) *Result {
	relevance := entry.Score
	if entry.Kind == types.KindCode && e.ApplyDocTypeWeights {
		if w, ok := docTypeWeights[entry.DocType]; ok {
			relevance *= w
		}
		if relevance > 1.0 {
			relevance = 1.0
		}
	}
	conf := ConfidenceTier(relevance)
	if conf == "" {
		return nil
	}
	return &Result{
		Kind:       entry.Kind,
		RefID:      entry.RefID,
		Relevance:  relevance,
		Confidence: conf,
		FilePath:   entry.FilePath,
		StartLine:  entry.StartLine,
		EndLine:    entry.EndLine,
		Name:       entry.Name,
		Content:    entry.Content,
	}
}

// observationVisible enforces status filtering and fills observation
// metadata from the store. Rows deleted from the store but still indexed
// are dropped.
func (e *Engine) observationVisible(id string, req SearchRequest, r *Result) bool {
	obs, err := e.store.GetObservation(id)
	if err != nil {
		return false
	}
	if !req.IncludeResolved && obs.Status != types.ObservationActive {
		return false
	}
	if req.MemoryType != "" && obs.MemoryType != req.MemoryType {
		return false
	}
	r.MemoryType = string(obs.MemoryType)
	r.Context = obs.Context
	r.Content = obs.Observation
	return true
}

// ConfidenceTier buckets a relevance score; "" means below threshold.
func ConfidenceTier(relevance float64) string {
	switch {
	case relevance >= HighConfidence:
		return "high"
	case relevance >= MediumConfidence:
		return "medium"
	case relevance >= LowConfidence:
		return "low"
	}
	return ""
}

func kindsFor(searchType string) []types.VectorKind {
	switch searchType {
	case "code":
		return []types.VectorKind{types.KindCode}
	case "memory":
		return []types.VectorKind{types.KindObservation}
	case "plans":
		return []types.VectorKind{types.KindPlan}
	case "sessions":
		return []types.VectorKind{types.KindSessionSummary}
	}
	return nil // all
}

func sortByRelevance(rs []*Result) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Relevance > rs[j].Relevance })
}

func capResults(rs *[]*Result, k int) {
	if len(*rs) > k {
		*rs = (*rs)[:k]
	}
}

// AutoResolveCandidate pairs an existing observation with its similarity to
// a new one.
type AutoResolveCandidate struct {
	Observation *types.Observation
	Score       float64
}

// AutoResolveCandidates finds active observations of the same type that the
// new observation supersedes. Threshold 0.85 applies when both share a
// context, 0.92 otherwise.
func (e *Engine) AutoResolveCandidates(ctx context.Context, newObs *types.Observation) ([]AutoResolveCandidate, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "AutoResolveCandidates")
	defer timer.Stop()

	newEmb, err := e.engine.Embed(ctx, newObs.Observation)
	if err != nil {
		return nil, fmt.Errorf("failed to embed observation: %w", err)
	}

	entries, err := e.index.Search(newEmb, vector.SearchOptions{
		Kinds: []types.VectorKind{types.KindObservation},
		Limit: 20,
	})
	if err != nil {
		return nil, err
	}

	var out []AutoResolveCandidate
	for _, entry := range entries {
		if entry.RefID == newObs.ID {
			continue
		}
		old, err := e.store.GetObservation(entry.RefID)
		if err != nil || old.Status != types.ObservationActive || old.MemoryType != newObs.MemoryType {
			continue
		}
		threshold := autoResolveDefault
		if sameContext(old.Context, newObs.Context) {
			threshold = autoResolveSameContext
		}
		if entry.Score >= threshold {
			out = append(out, AutoResolveCandidate{Observation: old, Score: entry.Score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// ApplyAutoResolve supersedes every candidate with the new observation and
// removes the old entries from the index.
func (e *Engine) ApplyAutoResolve(newObsID string, candidates []AutoResolveCandidate) int {
	resolved := 0
	for _, c := range candidates {
		err := e.store.SetObservationStatus(
			c.Observation.ID, types.ObservationSuperseded,
			fmt.Sprintf("superseded by newer observation (similarity %.2f)", c.Score),
			"auto-resolve", newObsID)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("Auto-resolve failed for %s: %v", c.Observation.ID, err)
			continue
		}
		if err := e.index.DeleteByRef(c.Observation.ID); err != nil {
			logging.MemoryDebug("Failed to drop superseded observation from index: %v", err)
		}
		resolved++
	}
	if resolved > 0 {
		logging.Memory("Auto-resolved %d observations in favor of %s", resolved, newObsID)
	}
	return resolved
}

func sameContext(a, b string) bool {
	a = strings.TrimSpace(strings.ToLower(a))
	b = strings.TrimSpace(strings.ToLower(b))
	return a != "" && a == b
}

// IndexCounts reports indexed entries per kind.
func (e *Engine) IndexCounts() (map[types.VectorKind]int64, error) {
	return e.index.Count()
}

// DropFromIndex removes an entity's vectors, e.g. when an observation
// leaves active status.
func (e *Engine) DropFromIndex(refID string) error {
	return e.index.DeleteByRef(refID)
}

// CompactIndex reclaims space in the vector index.
func (e *Engine) CompactIndex() error {
	return e.index.Compact()
}

// ReindexObservations clears and re-embeds every active observation.
func (e *Engine) ReindexObservations(ctx context.Context, st *store.Store) (int, error) {
	if err := e.index.Clear(types.KindObservation); err != nil {
		return 0, err
	}
	n := 0
	offset := 0
	for {
		batch, err := st.QueryObservations(store.ObservationFilter{
			Status: types.ObservationActive,
			Limit:  50,
			Offset: offset,
		})
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			return n, nil
		}
		for _, obs := range batch {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if err := e.IndexObservation(ctx, obs); err != nil {
				logging.Get(logging.CategoryMemory).Warn("Failed to re-embed %s: %v", obs.ID, err)
				continue
			}
			n++
		}
		offset += len(batch)
	}
}

// IndexObservation embeds and indexes one observation.
func (e *Engine) IndexObservation(ctx context.Context, obs *types.Observation) error {
	emb, err := e.engine.Embed(ctx, obs.Observation)
	if err != nil {
		return fmt.Errorf("failed to embed observation: %w", err)
	}
	return e.index.Upsert(&vector.Entry{
		Kind:        types.KindObservation,
		RefID:       obs.ID,
		FilePath:    obs.Context,
		Content:     obs.Observation,
		ContentHash: types.ContentHash(obs.Observation),
	}, emb)
}

// IndexPlan embeds and indexes one plan.
func (e *Engine) IndexPlan(ctx context.Context, plan *types.Plan) error {
	text := plan.Title + "\n" + plan.Content
	emb, err := e.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed plan: %w", err)
	}
	return e.index.Upsert(&vector.Entry{
		Kind:        types.KindPlan,
		RefID:       plan.ID,
		FilePath:    plan.FilePath,
		Name:        plan.Title,
		Content:     plan.Content,
		ContentHash: plan.ContentHash,
	}, emb)
}

// IndexSessionSummary embeds and indexes one session summary.
func (e *Engine) IndexSessionSummary(ctx context.Context, session *types.Session) error {
	text := session.Title + "\n" + session.Summary
	emb, err := e.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed session summary: %w", err)
	}
	return e.index.Upsert(&vector.Entry{
		Kind:        types.KindSessionSummary,
		RefID:       session.ID,
		Name:        session.Title,
		Content:     session.Summary,
		ContentHash: types.ContentHash(text),
	}, emb)
}
