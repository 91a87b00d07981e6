package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// InsertObservation stores a durable memory. On dedup-hash match the
// existing id is returned with no update. session_summary observations use
// the session id as a deterministic id and upsert in place instead.
func (s *Store) InsertObservation(o *types.Observation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !types.ValidMemoryType(o.MemoryType) {
		return "", fmt.Errorf("unknown memory type %q", o.MemoryType)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = types.ObservationActive
	}
	if o.SourceMachineID == "" {
		o.SourceMachineID = s.machineID
	}
	o.ClampImportance()
	tags, _ := json.Marshal(o.Tags)

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if o.MemoryType == types.MemorySessionSummary {
		// Deterministic id: the session. Re-summarizing replaces in place.
		o.ID = o.SourceSessionID
		_, err = tx.Exec(`
			INSERT INTO observations (id, memory_type, observation, context, tags, source_session_id,
				source_batch_id, source_machine_id, status, session_origin_type, importance, dedup_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET observation = excluded.observation,
				context = excluded.context, tags = excluded.tags, dedup_hash = excluded.dedup_hash`,
			o.ID, string(o.MemoryType), o.Observation, o.Context, string(tags), nullStr(o.SourceSessionID),
			nullStr(o.SourceBatchID), o.SourceMachineID, string(o.Status), string(o.SessionOriginType),
			o.Importance, o.DedupHash(), o.CreatedAt)
		if err != nil {
			return "", fmt.Errorf("failed to upsert session summary: %w", err)
		}
		return o.ID, tx.Commit()
	}

	hash := o.DedupHash()
	var existing string
	err = tx.QueryRow("SELECT id FROM observations WHERE dedup_hash = ?", hash).Scan(&existing)
	if err == nil {
		logging.MemoryDebug("Observation dedup hit: %s", existing)
		return existing, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err = tx.Exec(`
		INSERT INTO observations (id, memory_type, observation, context, tags, source_session_id,
			source_batch_id, source_machine_id, status, session_origin_type, importance, archived,
			dedup_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.MemoryType), o.Observation, o.Context, string(tags), nullStr(o.SourceSessionID),
		nullStr(o.SourceBatchID), o.SourceMachineID, string(o.Status), string(o.SessionOriginType),
		o.Importance, o.Archived, hash, o.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert observation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.StoreDebug("Observation inserted: %s (%s)", o.ID, o.MemoryType)
	return o.ID, nil
}

const observationSelect = `
	SELECT id, memory_type, observation, context, tags, source_session_id, source_batch_id,
		source_machine_id, status, superseded_by, session_origin_type, importance, archived, created_at
	FROM observations`

func scanObservation(row rowScanner) (*types.Observation, error) {
	var o types.Observation
	var memType, status, origin, tagsJSON string
	var sessionID, batchID, superseded sql.NullString
	err := row.Scan(&o.ID, &memType, &o.Observation, &o.Context, &tagsJSON, &sessionID, &batchID,
		&o.SourceMachineID, &status, &superseded, &origin, &o.Importance, &o.Archived, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.MemoryType = types.MemoryType(memType)
	o.Status = types.ObservationStatus(status)
	o.SessionOriginType = types.OriginType(origin)
	o.SourceSessionID = strOrEmpty(sessionID)
	o.SourceBatchID = strOrEmpty(batchID)
	o.SupersededBy = strOrEmpty(superseded)
	_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
	return &o, nil
}

// GetObservation fetches an observation by id.
func (s *Store) GetObservation(id string) (*types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanObservation(s.db.QueryRow(observationSelect+" WHERE id = ?", id))
}

// SetObservationStatus transitions an observation and appends the matching
// ResolutionEvent in the same transaction. A superseded observation can only
// leave that state through an explicit reactivate.
func (s *Store) SetObservationStatus(id string, newStatus types.ObservationStatus, reason, actor, supersededBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow("SELECT status FROM observations WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var action types.ResolutionAction
	switch newStatus {
	case types.ObservationResolved:
		action = types.ActionResolve
	case types.ObservationSuperseded:
		action = types.ActionSupersede
		if supersededBy == "" {
			return fmt.Errorf("%w: supersede requires superseded_by", ErrInvalidTransition)
		}
	case types.ObservationActive:
		action = types.ActionReactivate
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	// superseded -> active only via reactivate, which clears superseded_by.
	if current == string(types.ObservationSuperseded) && newStatus != types.ObservationActive &&
		newStatus != types.ObservationSuperseded {
		return fmt.Errorf("%w: superseded observation must be reactivated first", ErrInvalidTransition)
	}

	if newStatus == types.ObservationSuperseded {
		_, err = tx.Exec("UPDATE observations SET status = ?, superseded_by = ? WHERE id = ?",
			string(newStatus), supersededBy, id)
	} else {
		_, err = tx.Exec("UPDATE observations SET status = ?, superseded_by = NULL WHERE id = ?",
			string(newStatus), id)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO resolution_events (id, observation_id, action, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), id, string(action), nullStr(reason), actor, time.Now().UTC())
	if err != nil {
		return err
	}

	logging.Store("Observation %s: %s -> %s (%s by %s)", id, current, newStatus, action, actor)
	return tx.Commit()
}

// ObservationFilter controls QueryObservations.
type ObservationFilter struct {
	MemoryType      types.MemoryType // empty = all
	Status          types.ObservationStatus
	IncludeResolved bool // when false, only active rows are returned
	Context         string
	SessionID       string
	Limit           int
	Offset          int
}

// QueryObservations returns observations newest-first under the filter.
// Default queries filter to active status; IncludeResolved must be explicit.
func (s *Store) QueryObservations(f ObservationFilter) ([]*types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := observationSelect + " WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	} else if !f.IncludeResolved {
		query += " AND status = 'active'"
	}
	if f.MemoryType != "" {
		query += " AND memory_type = ?"
		args = append(args, string(f.MemoryType))
	}
	if f.Context != "" {
		query += " AND context = ?"
		args = append(args, f.Context)
	}
	if f.SessionID != "" {
		query += " AND source_session_id = ?"
		args = append(args, f.SessionID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ActiveObservationsByType returns active observations of one memory type,
// used by auto-resolve candidate selection.
func (s *Store) ActiveObservationsByType(t types.MemoryType, limit int) ([]*types.Observation, error) {
	return s.QueryObservations(ObservationFilter{MemoryType: t, Status: types.ObservationActive, Limit: limit})
}

// ResolutionEvents returns the audit trail for an observation, oldest first.
func (s *Store) ResolutionEvents(observationID string) ([]*types.ResolutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, observation_id, action, reason, actor, created_at
		FROM resolution_events WHERE observation_id = ? ORDER BY created_at ASC`, observationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ResolutionEvent
	for rows.Next() {
		var e types.ResolutionEvent
		var action string
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.ObservationID, &action, &reason, &e.Actor, &e.CreatedAt); err != nil {
			continue
		}
		e.Action = types.ResolutionAction(action)
		e.Reason = strOrEmpty(reason)
		out = append(out, &e)
	}
	return out, rows.Err()
}
