package store

import (
	"database/sql"
	"fmt"
	"time"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// UpsertSession inserts or merges a session row. On conflict by id, non-empty
// incoming fields win, except that title is never clobbered once it has been
// manually edited.
func (s *Store) UpsertSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	if sess.SourceMachineID == "" {
		sess.SourceMachineID = s.machineID
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var manual bool
	err = tx.QueryRow("SELECT title_manually_edited FROM sessions WHERE id = ?", sess.ID).Scan(&manual)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO sessions (id, agent, source_machine_id, project_root, started_at, ended_at, status,
				summary, title, title_manually_edited, parent_session_id, parent_reason, transcript_path,
				summary_embedded, first_prompt_preview)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Agent, sess.SourceMachineID, sess.ProjectRoot, sess.StartedAt, nullTime(sess.EndedAt),
			string(sess.Status), nullStr(sess.Summary), nullStr(sess.Title), sess.TitleManuallySet,
			nullStr(sess.ParentSessionID), nullStr(sess.ParentReason), nullStr(sess.TranscriptPath),
			sess.SummaryEmbedded, nullStr(sess.FirstPromptPreview))
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		logging.StoreDebug("Session inserted: %s (agent=%s)", sess.ID, sess.Agent)
	case err != nil:
		return err
	default:
		// Merge: only overwrite with non-empty incoming values.
		set := "agent = CASE WHEN ? != '' THEN ? ELSE agent END, " +
			"source_machine_id = CASE WHEN ? != '' THEN ? ELSE source_machine_id END, " +
			"project_root = CASE WHEN ? != '' THEN ? ELSE project_root END, " +
			"summary = COALESCE(NULLIF(?, ''), summary), " +
			"transcript_path = COALESCE(NULLIF(?, ''), transcript_path), " +
			"first_prompt_preview = COALESCE(NULLIF(?, ''), first_prompt_preview)"
		args := []interface{}{
			sess.Agent, sess.Agent,
			sess.SourceMachineID, sess.SourceMachineID,
			sess.ProjectRoot, sess.ProjectRoot,
			sess.Summary,
			sess.TranscriptPath,
			sess.FirstPromptPreview,
		}
		if !manual && sess.Title != "" {
			set += ", title = ?"
			args = append(args, sess.Title)
		}
		args = append(args, sess.ID)
		if _, err := tx.Exec("UPDATE sessions SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("failed to merge session: %w", err)
		}
		logging.StoreDebug("Session merged: %s", sess.ID)
	}

	return tx.Commit()
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
}

const sessionSelect = `
	SELECT id, agent, source_machine_id, project_root, started_at, ended_at, status,
		summary, title, title_manually_edited, parent_session_id, parent_reason,
		transcript_path, summary_embedded, first_prompt_preview
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var endedAt sql.NullTime
	var summary, title, parentID, parentReason, transcript, preview sql.NullString
	var status string
	err := row.Scan(&sess.ID, &sess.Agent, &sess.SourceMachineID, &sess.ProjectRoot, &sess.StartedAt,
		&endedAt, &status, &summary, &title, &sess.TitleManuallySet, &parentID, &parentReason,
		&transcript, &sess.SummaryEmbedded, &preview)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = types.SessionStatus(status)
	sess.EndedAt = timePtr(endedAt)
	sess.Summary = strOrEmpty(summary)
	sess.Title = strOrEmpty(title)
	sess.ParentSessionID = strOrEmpty(parentID)
	sess.ParentReason = strOrEmpty(parentReason)
	sess.TranscriptPath = strOrEmpty(transcript)
	sess.FirstPromptPreview = strOrEmpty(preview)
	return &sess, nil
}

// EndSession marks the session completed and stamps ended_at. Idempotent: a
// session that is already completed keeps its original ended_at.
func (s *Store) EndSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?",
		string(types.SessionCompleted), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("Session ended: %s", id)
	return nil
}

// LinkParent sets parent_session_id on the child after verifying the link
// keeps the lineage acyclic. The walk ascends from the proposed parent; if
// the child appears among its ancestors the link is rejected.
func (s *Store) LinkParent(childID, parentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if childID == parentID {
		return ErrLineageCycle
	}

	// Walk ancestors of the proposed parent.
	current := parentID
	for depth := 0; current != "" && depth < 1000; depth++ {
		if current == childID {
			return ErrLineageCycle
		}
		var next sql.NullString
		err := s.db.QueryRow("SELECT parent_session_id FROM sessions WHERE id = ?", current).Scan(&next)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: session %s", ErrNotFound, current)
		}
		if err != nil {
			return err
		}
		current = strOrEmpty(next)
	}

	res, err := s.db.Exec(
		"UPDATE sessions SET parent_session_id = ?, parent_reason = ? WHERE id = ?",
		parentID, nullStr(reason), childID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.Store("Session %s linked to parent %s (%s)", childID, parentID, reason)
	return nil
}

// SessionFilter controls ListSessions.
type SessionFilter struct {
	Status types.SessionStatus // empty = all
	Limit  int
	Offset int
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions(f SessionFilter) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := sessionSelect
	args := []interface{}{}
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// StaleActiveSessions returns active sessions whose most recent activity is
// older than cutoff. Sessions with no activities fall back to started_at.
func (s *Store) StaleActiveSessions(cutoff time.Time) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(sessionSelect+`
		WHERE status = 'active'
		  AND COALESCE((SELECT MAX(created_at) FROM activities a WHERE a.session_id = sessions.id), started_at) < ?`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionsNeedingSummary returns completed sessions without a stored summary.
func (s *Store) SessionsNeedingSummary(limit int) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(sessionSelect+`
		WHERE status = 'completed' AND (summary IS NULL OR summary = '')
		ORDER BY ended_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecentSummarizedSessions returns the newest sessions that already carry a
// summary, for session-start context injection.
func (s *Store) RecentSummarizedSessions(limit int) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(sessionSelect+`
		WHERE summary IS NOT NULL AND summary != ''
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionSummary stores the generated summary and title. A manually edited
// title is preserved.
func (s *Store) SetSessionSummary(id, summary, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET summary = ?,
			title = CASE WHEN title_manually_edited THEN title ELSE COALESCE(NULLIF(?, ''), title) END
		WHERE id = ?`, summary, title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionTitle sets the title. When manual is true the title becomes
// sticky against later generated titles.
func (s *Store) SetSessionTitle(id, title string, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE sessions SET title = ?, title_manually_edited = ? WHERE id = ?",
		title, manual, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSummaryEmbedded flags that the session summary is present in the
// vector index.
func (s *Store) MarkSummaryEmbedded(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE sessions SET summary_embedded = 1 WHERE id = ?", id)
	return err
}

// DeleteSession removes a session and everything it owns: batches,
// activities, observations sourced from it, and plans.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		"DELETE FROM activities WHERE session_id = ?",
		"DELETE FROM prompt_batches WHERE session_id = ?",
		"DELETE FROM plans WHERE session_id = ?",
		"DELETE FROM observations WHERE source_session_id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}

	logging.Store("Session deleted with cascade: %s", id)
	return tx.Commit()
}

// SessionActivityCount returns the number of activities captured for a
// session.
func (s *Store) SessionActivityCount(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activities WHERE session_id = ?", id).Scan(&n)
	return n, err
}

// SessionBatchCount returns the number of prompt batches for a session.
func (s *Store) SessionBatchCount(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM prompt_batches WHERE session_id = ?", id).Scan(&n)
	return n, err
}
