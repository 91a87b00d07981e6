package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// BeginBatch opens a new prompt batch for the session, assigning the next
// prompt_number. Fails with ErrConflictingActiveBatch if another batch is
// still active for the session; callers that want interrupt semantics
// complete the old batch first.
func (s *Store) BeginBatch(sessionID, userPrompt string, sourceType types.SourceType) (*types.PromptBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sourceType == "" {
		sourceType = types.SourceUser
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM prompt_batches WHERE session_id = ? AND status = 'active'",
		sessionID).Scan(&active); err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrConflictingActiveBatch
	}

	var next int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(prompt_number), 0) + 1 FROM prompt_batches WHERE session_id = ?",
		sessionID).Scan(&next); err != nil {
		return nil, err
	}

	batch := &types.PromptBatch{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		PromptNumber: next,
		UserPrompt:   userPrompt,
		SourceType:   sourceType,
		StartedAt:    time.Now().UTC(),
		Status:       types.BatchActive,
	}

	_, err = tx.Exec(`
		INSERT INTO prompt_batches (id, session_id, prompt_number, user_prompt, source_type, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.SessionID, batch.PromptNumber, nullStr(batch.UserPrompt),
		string(batch.SourceType), batch.StartedAt, string(batch.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.StoreDebug("Batch opened: %s (session=%s, prompt=%d)", batch.ID, sessionID, next)
	return batch, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(id string) (*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanBatch(s.db.QueryRow(batchSelect+" WHERE id = ?", id))
}

const batchSelect = `
	SELECT id, session_id, prompt_number, user_prompt, source_type, classification,
		plan_file_path, plan_content, response_summary, started_at, ended_at, status,
		processed, observations_extracted, extraction_attempts, extraction_error
	FROM prompt_batches`

func scanBatch(row rowScanner) (*types.PromptBatch, error) {
	var b types.PromptBatch
	var userPrompt, classification, planPath, planContent, response, extractionErr sql.NullString
	var endedAt sql.NullTime
	var sourceType, status string
	err := row.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &userPrompt, &sourceType, &classification,
		&planPath, &planContent, &response, &b.StartedAt, &endedAt, &status,
		&b.Processed, &b.ObservationsExtracted, &b.ExtractionAttempts, &extractionErr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.UserPrompt = strOrEmpty(userPrompt)
	b.SourceType = types.SourceType(sourceType)
	b.Classification = strOrEmpty(classification)
	b.PlanFilePath = strOrEmpty(planPath)
	b.PlanContent = strOrEmpty(planContent)
	b.ResponseSummary = strOrEmpty(response)
	b.EndedAt = timePtr(endedAt)
	b.Status = types.BatchStatus(status)
	b.ExtractionError = strOrEmpty(extractionErr)
	return &b, nil
}

// ActiveBatch returns the active batch for a session, or ErrNotFound.
func (s *Store) ActiveBatch(sessionID string) (*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanBatch(s.db.QueryRow(batchSelect+" WHERE session_id = ? AND status = 'active'", sessionID))
}

// CompleteBatch closes a batch and stores the response summary. Idempotent:
// completing an already-completed batch leaves it unchanged. Unknown ids
// return ErrNotFound.
func (s *Store) CompleteBatch(id, responseSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow("SELECT status FROM prompt_batches WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == string(types.BatchCompleted) {
		return tx.Commit() // Idempotent
	}

	_, err = tx.Exec(`
		UPDATE prompt_batches
		SET status = 'completed', ended_at = ?, response_summary = COALESCE(NULLIF(?, ''), response_summary)
		WHERE id = ?`, time.Now().UTC(), responseSummary, id)
	if err != nil {
		return err
	}

	logging.StoreDebug("Batch completed: %s", id)
	return tx.Commit()
}

// SetBatchPlan marks a batch as a plan batch and stores the plan content.
func (s *Store) SetBatchPlan(id, planPath, planContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE prompt_batches SET source_type = 'plan', plan_file_path = ?, plan_content = ? WHERE id = ?`,
		planPath, planContent, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StuckActiveBatches returns active batches whose last activity (or start,
// when empty) is older than cutoff.
func (s *Store) StuckActiveBatches(cutoff time.Time) ([]*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(batchSelect+`
		WHERE status = 'active'
		  AND COALESCE((SELECT MAX(created_at) FROM activities a WHERE a.prompt_batch_id = prompt_batches.id), started_at) < ?`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

// UnprocessedCompletedBatches returns completed batches awaiting observation
// extraction, oldest first, skipping batches that have exhausted retries.
func (s *Store) UnprocessedCompletedBatches(maxAttempts, limit int) ([]*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(batchSelect+`
		WHERE status = 'completed' AND processed = 0 AND extraction_attempts < ?
		ORDER BY ended_at ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListBatches returns the batches of a session in prompt order.
func (s *Store) ListBatches(sessionID string, limit, offset int) ([]*types.PromptBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(batchSelect+`
		WHERE session_id = ? ORDER BY prompt_number ASC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]*types.PromptBatch, error) {
	var out []*types.PromptBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBatchProcessed records a completed extraction attempt.
func (s *Store) MarkBatchProcessed(id string, observationsExtracted int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE prompt_batches SET processed = 1, observations_extracted = ?, extraction_error = NULL
		WHERE id = ?`, observationsExtracted, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordExtractionFailure bumps the attempt counter and, at the limit,
// persists the error annotation so operators can see the batch stalled.
func (s *Store) RecordExtractionFailure(id string, attemptErr error, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE prompt_batches
		SET extraction_attempts = extraction_attempts + 1,
		    extraction_error = CASE WHEN extraction_attempts + 1 >= ? THEN ? ELSE extraction_error END
		WHERE id = ?`, maxAttempts, attemptErr.Error(), id)
	return err
}

// ResetProcessing clears the processed flag and attempt counters on all
// batches, forcing re-extraction. Used by the devtools endpoint.
func (s *Store) ResetProcessing() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE prompt_batches SET processed = 0, extraction_attempts = 0, extraction_error = NULL
		WHERE status = 'completed'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
