package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"oakci/internal/governance"
	"oakci/internal/logging"
	"oakci/internal/types"
)

// hookRequest is the common hook payload shape. Agents send a superset;
// unknown fields are ignored.
type hookRequest struct {
	SessionID      string                 `json:"session_id"`
	Agent          string                 `json:"agent"`
	Source         string                 `json:"source"`
	Event          string                 `json:"event"`
	Prompt         string                 `json:"prompt"`
	GenerationID   string                 `json:"generation_id"`
	ToolName       string                 `json:"tool_name"`
	ToolUseID      string                 `json:"tool_use_id"`
	ToolInput      map[string]interface{} `json:"tool_input"`
	ToolOutput     string                 `json:"tool_output"`
	FilePath       string                 `json:"file_path"`
	ErrorMessage   string                 `json:"error_message"`
	ResponseText   string                 `json:"response_text"`
	TranscriptPath string                 `json:"transcript_path"`
	ParentSession  string                 `json:"parent_session_id"`
	ParentReason   string                 `json:"parent_reason"`
	Timestamp      string                 `json:"timestamp"`
}

// hookResponse is the wire contract back to the hook script. A nil
// InjectedContext means no injection for this event.
type hookResponse struct {
	InjectedContext *string `json:"injected_context"`
	Decision        string  `json:"decision,omitempty"`
	Message         string  `json:"message,omitempty"`
}

func emptyHookResponse() hookResponse {
	return hookResponse{}
}

func injected(text string) hookResponse {
	if text == "" {
		return hookResponse{}
	}
	return hookResponse{InjectedContext: &text}
}

// dedupCache drops the second arrival of the same logical event inside a
// short window (dual-hook installs fire both the plugin and the shell hook).
type dedupCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{window: window, seen: make(map[string]time.Time)}
}

// Hit records the key and reports whether it was already present within the
// window.
func (d *dedupCache) Hit(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.seen[key]; ok && now.Sub(t) < d.window {
		return true
	}
	d.seen[key] = now
	if len(d.seen) > 4096 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return false
}

// injectionTimeout bounds model calls on the hook path; on expiry the hook
// fails open with an empty injection.
const injectionTimeout = 10 * time.Second

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.dedup.Hit("session-start:" + req.Agent + ":" + req.Source + ":" + req.SessionID) {
		writeJSON(w, http.StatusOK, emptyHookResponse())
		return
	}

	sess := &types.Session{
		ID:              req.SessionID,
		Agent:           req.Agent,
		SourceMachineID: s.store.MachineID(),
		ProjectRoot:     s.paths.ProjectRoot,
		Status:          types.SessionActive,
		TranscriptPath:  req.TranscriptPath,
		ParentSessionID: req.ParentSession,
		ParentReason:    req.ParentReason,
	}
	if err := s.store.UpsertSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to upsert session: %v", err)
		return
	}
	s.cache.Touch(req.SessionID, time.Now())
	logging.Hooks("SessionStart %s (%s) from %s", req.SessionID, req.Agent, clientIP(r))

	// Full payload: recent summaries + top memories. Fail open.
	text := ""
	if s.memory != nil {
		if payload, err := s.memory.SessionStartContext(s.store); err == nil {
			text = payload
		} else {
			logging.HooksDebug("Session-start injection unavailable: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, injected(text))
}

func (s *Server) handlePromptSubmit(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "session_id and prompt are required")
		return
	}
	promptHash := types.ContentHash(req.Prompt)
	if s.dedup.Hit("prompt-submit:" + req.GenerationID + ":" + promptHash) {
		writeJSON(w, http.StatusOK, emptyHookResponse())
		return
	}
	s.ensureSession(&req)

	// Interrupt fallback: a new prompt while a batch is still active means
	// the previous turn was interrupted.
	if activeID := s.cache.ActiveBatch(req.SessionID); activeID != "" {
		if err := s.store.CompleteBatch(activeID, "(interrupted by next prompt)"); err != nil {
			logging.HooksDebug("Interrupt fallback on %s: %v", activeID, err)
		}
	} else if batch, err := s.store.ActiveBatch(req.SessionID); err == nil && batch != nil {
		if err := s.store.CompleteBatch(batch.ID, "(interrupted by next prompt)"); err != nil {
			logging.HooksDebug("Interrupt fallback on %s: %v", batch.ID, err)
		}
	}

	batch, err := s.store.BeginBatch(req.SessionID, req.Prompt, types.SourceUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin batch: %v", err)
		return
	}
	s.cache.SetActiveBatch(req.SessionID, batch.ID)
	logging.Hooks("UserPromptSubmit %s batch=%s", req.SessionID, batch.ID)

	text := ""
	if s.memory != nil {
		ctx, cancel := context.WithTimeout(r.Context(), injectionTimeout)
		defer cancel()
		if payload, err := s.memory.ContextForTask(ctx, req.Prompt, nil); err == nil {
			text = payload
		} else {
			logging.HooksDebug("Prompt injection unavailable: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, injected(text))
}

// handlePostToolUse covers both the success and failure variants.
func (s *Server) handlePostToolUse(success bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hookRequest
		if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.ToolName == "" {
			writeError(w, http.StatusBadRequest, "session_id and tool_name are required")
			return
		}
		if s.dedup.Hit("post-tool-use:" + req.ToolUseID) {
			writeJSON(w, http.StatusOK, emptyHookResponse())
			return
		}
		s.ensureSession(&req)

		filePath := req.FilePath
		if filePath == "" {
			filePath = extractInputPath(req.ToolInput)
		}
		activity := &types.Activity{
			SessionID:         req.SessionID,
			PromptBatchID:     s.cache.ActiveBatch(req.SessionID),
			ToolName:          req.ToolName,
			ToolUseID:         req.ToolUseID,
			ToolInput:         serializeToolInput(req.ToolInput),
			ToolOutputSummary: truncateOutput(req.ToolOutput, 2000),
			FilePath:          filePath,
			Success:           success,
			ErrorMessage:      req.ErrorMessage,
			CreatedAt:         time.Now().UTC(),
		}
		if _, err := s.store.AppendActivity(activity); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to append activity: %v", err)
			return
		}
		s.cache.Touch(req.SessionID, time.Now())

		s.capturePlan(&req, filePath)

		var resp hookResponse
		if success && s.memory != nil && filePath != "" {
			ctx, cancel := context.WithTimeout(r.Context(), injectionTimeout)
			defer cancel()
			if payload, err := s.memory.FileContext(ctx, filePath); err == nil {
				resp = injected(payload)
			}
		}
		if s.governance != nil {
			verdict := s.governance.Evaluate(governance.Request{
				Event:     orDefault(req.Event, "post-tool-use"),
				ToolName:  req.ToolName,
				ToolInput: req.ToolInput,
				FilePath:  filePath,
				SessionID: req.SessionID,
				Agent:     req.Agent,
			})
			if verdict.Decision != governance.DecisionAllow && verdict.Decision != governance.DecisionObserve {
				resp.Decision = verdict.Decision
				resp.Message = verdict.Message
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// capturePlan persists plan documents: Write under a plan directory marks
// the batch as a plan batch; ExitPlanMode re-reads the file for its final
// content.
func (s *Server) capturePlan(req *hookRequest, filePath string) {
	batchID := s.cache.ActiveBatch(req.SessionID)

	switch {
	case strings.EqualFold(req.ToolName, "Write") && s.underPlanDir(filePath):
		content, _ := req.ToolInput["content"].(string)
		if content == "" {
			return
		}
		s.storePlan(req.SessionID, batchID, filePath, content)
	case strings.EqualFold(req.ToolName, "ExitPlanMode"):
		if batchID == "" {
			return
		}
		batch, err := s.store.GetBatch(batchID)
		if err != nil || batch.PlanFilePath == "" {
			return
		}
		planPath := batch.PlanFilePath
		if !filepath.IsAbs(planPath) {
			planPath = filepath.Join(s.paths.ProjectRoot, planPath)
		}
		data, err := os.ReadFile(planPath)
		if err != nil {
			logging.HooksDebug("Plan re-read failed for %s: %v", batch.PlanFilePath, err)
			return
		}
		s.storePlan(req.SessionID, batchID, batch.PlanFilePath, string(data))
	}
}

func (s *Server) storePlan(sessionID, batchID, filePath, content string) {
	if batchID != "" {
		if err := s.store.SetBatchPlan(batchID, filePath, content); err != nil {
			logging.HooksDebug("Failed to mark plan batch %s: %v", batchID, err)
		}
	}
	title := planTitle(content, filePath)
	if _, err := s.store.UpsertPlan(&types.Plan{
		SessionID:   sessionID,
		Title:       title,
		FilePath:    filePath,
		Content:     content,
		ContentHash: types.ContentHash(content),
	}); err != nil {
		logging.Get(logging.CategoryHooks).Warn("Failed to store plan %s: %v", filePath, err)
		return
	}
	logging.Hooks("Captured plan %s (%d bytes)", filePath, len(content))
}

// underPlanDir reports whether a relative path sits under a configured plan
// directory.
func (s *Server) underPlanDir(rel string) bool {
	if rel == "" || s.cfg == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if abs := filepath.ToSlash(s.paths.ProjectRoot) + "/"; strings.HasPrefix(rel, abs) {
		rel = rel[len(abs):]
	}
	for _, dir := range s.cfg.PlanDirs {
		dir = strings.Trim(filepath.ToSlash(dir), "/")
		if dir != "" && strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}

func planTitle(content, filePath string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if len(line) > 120 {
				line = line[:120]
			}
			return line
		}
	}
	return filepath.Base(filePath)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	batchID := s.cache.ActiveBatch(req.SessionID)
	if batchID == "" {
		if batch, err := s.store.ActiveBatch(req.SessionID); err == nil && batch != nil {
			batchID = batch.ID
		}
	}
	if batchID == "" || s.dedup.Hit("stop:"+batchID) {
		writeJSON(w, http.StatusOK, emptyHookResponse())
		return
	}
	if err := s.store.CompleteBatch(batchID, truncateOutput(req.ResponseText, 4000)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete batch: %v", err)
		return
	}
	s.cache.ClearActiveBatch(req.SessionID)
	s.cache.Touch(req.SessionID, time.Now())
	logging.Hooks("Stop %s batch=%s", req.SessionID, batchID)
	writeJSON(w, http.StatusOK, emptyHookResponse())
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.dedup.Hit("session-end:" + req.SessionID) {
		writeJSON(w, http.StatusOK, emptyHookResponse())
		return
	}

	// An active batch at session end is completed first.
	if batchID := s.cache.ActiveBatch(req.SessionID); batchID != "" {
		if err := s.store.CompleteBatch(batchID, truncateOutput(req.ResponseText, 4000)); err != nil {
			logging.HooksDebug("Batch completion at session end: %v", err)
		}
	}
	if err := s.store.EndSession(req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to end session: %v", err)
		return
	}
	s.cache.Invalidate(req.SessionID)
	logging.Hooks("SessionEnd %s", req.SessionID)
	writeJSON(w, http.StatusOK, emptyHookResponse())
}

func (s *Server) handleSubagentStart(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.ensureSession(&req)
	if req.ParentSession != "" {
		reason := orDefault(req.ParentReason, "subagent")
		if err := s.store.LinkParent(req.SessionID, req.ParentSession, reason); err != nil {
			logging.HooksDebug("Subagent link failed: %v", err)
		}
	}
	s.cache.Touch(req.SessionID, time.Now())
	writeJSON(w, http.StatusOK, emptyHookResponse())
}

func (s *Server) handleSubagentStop(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.cache.Touch(req.SessionID, time.Now())
	writeJSON(w, http.StatusOK, emptyHookResponse())
}

// handlePreCompact records the event; compaction requires no store mutation.
func (s *Server) handlePreCompact(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.cache.Touch(req.SessionID, time.Now())
	logging.HooksDebug("PreCompact %s", req.SessionID)
	writeJSON(w, http.StatusOK, emptyHookResponse())
}

// ensureSession implicitly creates the session row when hooks arrive out of
// order.
func (s *Server) ensureSession(req *hookRequest) {
	if _, err := s.store.GetSession(req.SessionID); err == nil {
		return
	}
	err := s.store.UpsertSession(&types.Session{
		ID:              req.SessionID,
		Agent:           orDefault(req.Agent, "unknown"),
		SourceMachineID: s.store.MachineID(),
		ProjectRoot:     s.paths.ProjectRoot,
		Status:          types.SessionActive,
	})
	if err != nil {
		logging.HooksDebug("Implicit session create failed for %s: %v", req.SessionID, err)
	}
}

func extractInputPath(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func serializeToolInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
