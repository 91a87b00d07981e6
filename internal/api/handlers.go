package api

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"oakci/internal/governance"
	"oakci/internal/logging"
	"oakci/internal/memory"
	"oakci/internal/store"
	"oakci/internal/types"
)

// --- search / fetch / remember / context ---

type searchRequest struct {
	Query           string `json:"query"`
	SearchType      string `json:"search_type"`
	K               int    `json:"k"`
	IncludeResolved bool   `json:"include_resolved"`
	FilePath        string `json:"file_path"`
	MemoryType      string `json:"memory_type"`
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, req searchRequest) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable: no embedding provider")
		return
	}
	results, err := s.memory.Search(r.Context(), memory.SearchRequest{
		Query:           req.Query,
		SearchType:      req.SearchType,
		K:               req.K,
		IncludeResolved: req.IncludeResolved,
		FilePath:        req.FilePath,
		MemoryType:      types.MemoryType(req.MemoryType),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "search failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k, _ := strconv.Atoi(q.Get("k"))
	s.runSearch(w, r, searchRequest{
		Query:           q.Get("q"),
		SearchType:      q.Get("type"),
		K:               k,
		IncludeResolved: q.Get("include_resolved") == "true",
		FilePath:        q.Get("file_path"),
		MemoryType:      q.Get("memory_type"),
	})
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	s.runSearch(w, r, req)
}

// handleFetch returns full records by id: observation, plan, or session.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "kind and id are required")
		return
	}
	var (
		out interface{}
		err error
	)
	switch req.Kind {
	case "observation", "memory":
		out, err = s.store.GetObservation(req.ID)
	case "plan":
		out, err = s.store.GetPlan(req.ID)
	case "session":
		out, err = s.store.GetSession(req.ID)
	default:
		writeError(w, http.StatusBadRequest, "unknown kind %q", req.Kind)
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "%s %s not found", req.Kind, req.ID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRemember stores a manual observation and indexes it.
func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemoryType  string   `json:"memory_type"`
		Observation string   `json:"observation"`
		Context     string   `json:"context"`
		Tags        []string `json:"tags"`
		Importance  int      `json:"importance"`
		SessionID   string   `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.Observation == "" {
		writeError(w, http.StatusBadRequest, "observation is required")
		return
	}
	if req.MemoryType == "" {
		req.MemoryType = string(types.MemoryDiscovery)
	}
	if req.Importance == 0 {
		req.Importance = 5
	}
	obs := &types.Observation{
		MemoryType:      types.MemoryType(req.MemoryType),
		Observation:     req.Observation,
		Context:         req.Context,
		Tags:            req.Tags,
		Importance:      req.Importance,
		SourceSessionID: req.SessionID,
	}
	id, err := s.store.InsertObservation(obs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to store observation: %v", err)
		return
	}
	obs.ID = id
	if s.memory != nil {
		if err := s.memory.IndexObservation(r.Context(), obs); err != nil {
			logging.Get(logging.CategoryAPI).Warn("Manual observation %s not indexed: %v", id, err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleContext builds an injection payload for arbitrary task text.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskText  string   `json:"task_text"`
		FilePaths []string `json:"file_paths"`
	}
	if err := decodeBody(r, &req); err != nil || req.TaskText == "" {
		writeError(w, http.StatusBadRequest, "task_text is required")
		return
	}
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "context unavailable: no embedding provider")
		return
	}
	payload, err := s.memory.ContextForTask(r.Context(), req.TaskText, req.FilePaths)
	if err != nil {
		writeError(w, http.StatusBadGateway, "context build failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": payload})
}

// --- memories ---

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	obs, err := s.store.QueryObservations(store.ObservationFilter{
		MemoryType:      types.MemoryType(q.Get("memory_type")),
		Status:          types.ObservationStatus(q.Get("status")),
		IncludeResolved: q.Get("include_resolved") == "true",
		Context:         q.Get("context"),
		SessionID:       q.Get("session_id"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": obs, "count": len(obs)})
}

type statusChange struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) applyStatusChange(id string, ch statusChange) error {
	actor := orDefault(ch.Actor, "api")
	if err := s.store.SetObservationStatus(id, types.ObservationStatus(ch.Status), ch.Reason, actor, ""); err != nil {
		return err
	}
	// Non-active observations leave the index; reactivated ones are
	// re-embedded on request via devtools rebuild.
	if s.memory != nil && types.ObservationStatus(ch.Status) != types.ObservationActive {
		if err := s.memory.DropFromIndex(id); err != nil {
			logging.APIDebug("Failed to drop %s from index: %v", id, err)
		}
	}
	return nil
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var ch statusChange
	if err := decodeBody(r, &ch); err != nil || ch.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.applyStatusChange(id, ch); err != nil {
		writeError(w, statusCode(err), "status change failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": ch.Status})
}

func (s *Server) handleMemoryBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
		statusChange
	}
	if err := decodeBody(r, &req); err != nil || len(req.IDs) == 0 || req.Status == "" {
		writeError(w, http.StatusBadRequest, "ids and status are required")
		return
	}
	changed, failed := 0, 0
	for _, id := range req.IDs {
		if err := s.applyStatusChange(id, req.statusChange); err != nil {
			failed++
			continue
		}
		changed++
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed, "failed": failed})
}

// --- status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if stats, err := s.store.Stats(); err == nil {
		out["store"] = stats
	}
	if s.power != nil {
		out["power_state"] = s.power.CurrentState()
	}
	if s.pipeline != nil {
		out["last_tick"] = s.pipeline.LastTick()
	}
	if s.memory != nil {
		if counts, err := s.memory.IndexCounts(); err == nil {
			out["index"] = counts
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- activity sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sessions, err := s.store.ListSessions(store.SessionFilter{
		Status: types.SessionStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionBatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	batches, err := s.store.ListBatches(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches, "count": len(batches)})
}

func (s *Server) handleSessionActivities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	acts, err := s.store.SessionActivities(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activities": acts, "count": len(acts)})
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.EndSession(id); err != nil {
		writeError(w, statusCode(err), "failed to complete session: %v", err)
		return
	}
	s.cache.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "completed"})
}

func (s *Server) handleLinkParent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ParentID string `json:"parent_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil || req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id is required")
		return
	}
	if err := s.store.LinkParent(id, req.ParentID, orDefault(req.Reason, "manual")); err != nil {
		writeError(w, http.StatusConflict, "link failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "parent_id": req.ParentID})
}

// --- backup ---

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup manager not configured")
		return
	}
	path, err := s.backups.Create(s.paths.ProjectRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backup failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file": filepath.Base(path)})
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup manager not configured")
		return
	}
	var req struct {
		File string `json:"file"`
	}
	if err := decodeBody(r, &req); err != nil || req.File == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	stats, err := s.backups.Restore(req.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, "restore failed: %v", err)
		return
	}
	s.cache.InvalidateAll()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBackupRestoreAll(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup manager not configured")
		return
	}
	stats, err := s.backups.RestoreAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "restore failed: %v", err)
		return
	}
	s.cache.InvalidateAll()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup manager not configured")
		return
	}
	status, err := s.backups.CurrentStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- governance ---

func (s *Server) handleGovernanceConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusServiceUnavailable, "governance not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":  s.governance.Mode(),
		"rules": s.governance.Rules(),
	})
}

func (s *Server) handleGovernanceConfigPut(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusServiceUnavailable, "governance not configured")
		return
	}
	var req struct {
		Mode  string            `json:"mode"`
		Rules []governance.Rule `json:"rules"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := s.governance.SetRules(req.Rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rules: %v", err)
		return
	}
	if req.Mode != "" {
		s.governance.SetMode(req.Mode)
	}
	// Persist so a restart sees the same rules.
	data, err := yaml.Marshal(governance.RuleFile{Rules: req.Rules})
	if err == nil {
		if werr := os.WriteFile(s.paths.RulesFile, data, 0644); werr != nil {
			logging.Get(logging.CategoryAPI).Warn("Failed to persist governance rules: %v", werr)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": s.governance.Mode(), "rules": len(req.Rules)})
}

func (s *Server) handleGovernanceAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	events, err := s.store.QueryAudit(store.AuditFilter{
		ToolName: q.Get("tool"),
		Category: q.Get("category"),
		Decision: q.Get("decision"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleGovernanceAuditPrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := decodeBody(r, &req); err != nil || req.RetentionDays <= 0 {
		writeError(w, http.StatusBadRequest, "retention_days must be positive")
		return
	}
	n, err := s.store.PruneAudit(req.RetentionDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prune failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pruned": n})
}

func (s *Server) handleGovernanceTest(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusServiceUnavailable, "governance not configured")
		return
	}
	var req struct {
		Event     string                 `json:"event"`
		ToolName  string                 `json:"tool_name"`
		ToolInput map[string]interface{} `json:"tool_input"`
		FilePath  string                 `json:"file_path"`
	}
	if err := decodeBody(r, &req); err != nil || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	verdict := s.governance.DryRun(governance.Request{
		Event:     orDefault(req.Event, "pre-tool-use"),
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		FilePath:  req.FilePath,
	})
	writeJSON(w, http.StatusOK, verdict)
}

// --- devtools ---

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "indexer not configured")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if stats, err := s.indexer.Rebuild(ctx); err != nil {
			logging.Get(logging.CategoryAPI).Warn("Index rebuild failed: %v", err)
		} else {
			logging.API("Index rebuild: %d embedded, %d skipped, %d errors",
				stats.ChunksEmbed, stats.ChunksSkipped, stats.Errors)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuilding"})
}

func (s *Server) handleResetProcessing(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetProcessing()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// handleRebuildMemories re-embeds every active observation.
func (s *Server) handleRebuildMemories(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory engine not configured")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		n, err := s.memory.ReindexObservations(ctx, s.store)
		if err != nil {
			logging.Get(logging.CategoryAPI).Warn("Memory rebuild failed: %v", err)
			return
		}
		logging.API("Re-embedded %d observations", n)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuilding"})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.memory != nil {
		if err := s.memory.CompactIndex(); err != nil {
			writeError(w, http.StatusInternalServerError, "compact failed: %v", err)
			return
		}
	}
	if err := s.store.Vacuum(); err != nil {
		writeError(w, http.StatusInternalServerError, "vacuum failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

// handleSelfRestart re-resolves the executable from PATH rather than the
// running process's cached path, so upgrades take effect.
func (s *Server) handleSelfRestart(w http.ResponseWriter, r *http.Request) {
	exe, err := exec.LookPath(filepath.Base(os.Args[0]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot resolve executable: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting", "executable": exe})

	go func() {
		time.Sleep(200 * time.Millisecond) // let the response flush
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Env = os.Environ()
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			logging.Get(logging.CategoryAPI).Error("Self-restart failed: %v", err)
			return
		}
		logging.API("Restarting as pid %d (%s)", cmd.Process.Pid, exe)
		os.Exit(0)
	}()
}

func statusCode(err error) int {
	if err == store.ErrNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
