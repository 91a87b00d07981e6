package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// UpsertPlan stores a captured implementation plan. A plan is identified by
// (session_id, file_path) when a path exists; re-captures replace content and
// stamp updated_at. Pathless plans always insert.
func (s *Store) UpsertPlan(p *types.Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p.ContentHash = types.ContentHash(p.Content)

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if p.FilePath != "" {
		var existing string
		err = tx.QueryRow(
			"SELECT id FROM plans WHERE session_id = ? AND file_path = ?",
			p.SessionID, p.FilePath).Scan(&existing)
		if err == nil {
			_, err = tx.Exec(`
				UPDATE plans SET content = ?, content_hash = ?, title = COALESCE(NULLIF(?, ''), title),
					embedded = 0, updated_at = ?
				WHERE id = ?`, p.Content, p.ContentHash, p.Title, now, existing)
			if err != nil {
				return "", fmt.Errorf("failed to update plan: %w", err)
			}
			logging.StoreDebug("Plan updated in place: %s (%s)", existing, p.FilePath)
			return existing, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = tx.Exec(`
		INSERT INTO plans (id, session_id, title, file_path, content, content_hash, embedded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.SessionID, p.Title, nullStr(p.FilePath), p.Content, p.ContentHash, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.StoreDebug("Plan inserted: %s (session=%s)", p.ID, p.SessionID)
	return p.ID, nil
}

const planSelect = `
	SELECT id, session_id, title, file_path, content, content_hash, embedded, created_at, updated_at
	FROM plans`

func scanPlan(row rowScanner) (*types.Plan, error) {
	var p types.Plan
	var filePath sql.NullString
	err := row.Scan(&p.ID, &p.SessionID, &p.Title, &filePath, &p.Content, &p.ContentHash,
		&p.Embedded, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.FilePath = strOrEmpty(filePath)
	return &p, nil
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(id string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanPlan(s.db.QueryRow(planSelect+" WHERE id = ?", id))
}

// PlansNeedingEmbedding returns plans not yet present in the vector index.
func (s *Store) PlansNeedingEmbedding(limit int) ([]*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(planSelect+" WHERE embedded = 0 ORDER BY updated_at ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPlanEmbedded flags a plan as present in the vector index.
func (s *Store) MarkPlanEmbedded(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE plans SET embedded = 1 WHERE id = ?", id)
	return err
}

// ListPlans returns plans newest-first.
func (s *Store) ListPlans(limit, offset int) ([]*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(planSelect+" ORDER BY updated_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
