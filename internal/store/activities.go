package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// AppendActivity records one tool execution. On a dedup-hash match the
// existing id is returned with no side effects, which makes hook replays and
// dual-firing agents harmless.
func (s *Store) AppendActivity(a *types.Activity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	hash := a.DedupHash()

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow("SELECT id FROM activities WHERE dedup_hash = ?", hash).Scan(&existing)
	if err == nil {
		logging.StoreDebug("Activity dedup hit: %s (tool=%s)", existing, a.ToolName)
		return existing, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	_, err = tx.Exec(`
		INSERT INTO activities (id, session_id, prompt_batch_id, tool_name, tool_use_id, tool_input,
			tool_output_summary, file_path, success, error_message, dedup_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, nullStr(a.PromptBatchID), a.ToolName, a.ToolUseID, nullStr(a.ToolInput),
		nullStr(a.ToolOutputSummary), nullStr(a.FilePath), a.Success, nullStr(a.ErrorMessage),
		hash, a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.StoreDebug("Activity appended: %s (session=%s, tool=%s, batch=%s)", a.ID, a.SessionID, a.ToolName, a.PromptBatchID)
	return a.ID, nil
}

const activitySelect = `
	SELECT id, session_id, prompt_batch_id, tool_name, tool_use_id, tool_input,
		tool_output_summary, file_path, success, error_message, created_at
	FROM activities`

func scanActivity(row rowScanner) (*types.Activity, error) {
	var a types.Activity
	var batchID, input, output, filePath, errMsg sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &batchID, &a.ToolName, &a.ToolUseID, &input,
		&output, &filePath, &a.Success, &errMsg, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PromptBatchID = strOrEmpty(batchID)
	a.ToolInput = strOrEmpty(input)
	a.ToolOutputSummary = strOrEmpty(output)
	a.FilePath = strOrEmpty(filePath)
	a.ErrorMessage = strOrEmpty(errMsg)
	return &a, nil
}

// BatchActivities returns the activities of a batch in arrival order.
func (s *Store) BatchActivities(batchID string) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(activitySelect+" WHERE prompt_batch_id = ? ORDER BY created_at ASC", batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

// SessionActivities returns a session's activities newest-first, paginated.
func (s *Store) SessionActivities(sessionID string, limit, offset int) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(activitySelect+`
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

// OrphanActivities returns activities with no batch association.
func (s *Store) OrphanActivities(limit int) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(activitySelect+" WHERE prompt_batch_id IS NULL ORDER BY created_at ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]*types.Activity, error) {
	var out []*types.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AdoptOrphan associates an orphan activity with a batch. Used by the
// recovery sweep; never reassigns an activity that already has a batch.
func (s *Store) AdoptOrphan(activityID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE activities SET prompt_batch_id = ? WHERE id = ? AND prompt_batch_id IS NULL",
		batchID, activityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("Orphan activity %s adopted by batch %s", activityID, batchID)
	return nil
}

// NearestBatch finds the batch of the same session whose lifetime is closest
// in time to ts. Returns ErrNotFound when the session has no batches.
func (s *Store) NearestBatch(sessionID string, ts time.Time) (*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Closest start time wins; completed batches are acceptable adopters.
	return scanBatch(s.db.QueryRow(batchSelect+`
		WHERE session_id = ?
		ORDER BY ABS(strftime('%s', started_at) - strftime('%s', ?)) ASC
		LIMIT 1`, sessionID, ts))
}

// LastActivityAt returns the time of the most recent activity in the store,
// used by the power controller as the fallback pulse.
func (s *Store) LastActivityAt() (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t sql.NullTime
	err := s.db.QueryRow("SELECT MAX(created_at) FROM activities").Scan(&t)
	if err != nil {
		return nil, err
	}
	return timePtr(t), nil
}
