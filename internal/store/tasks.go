package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"oakci/internal/types"
)

// UpsertTask persists a scheduled task record. The daemon only owns
// scheduling state; execution belongs to the external agents runner.
func (s *Store) UpsertTask(t *types.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, name, cron_expr, enabled, next_run_at, last_run_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, cron_expr = excluded.cron_expr,
			enabled = excluded.enabled, next_run_at = excluded.next_run_at, payload = excluded.payload`,
		t.ID, t.Name, t.CronExpr, t.Enabled, nullTime(t.NextRunAt), nullTime(t.LastRunAt), nullStr(t.Payload))
	return err
}

// DueTasks returns enabled tasks whose next_run_at is at or before now.
func (s *Store) DueTasks(now time.Time) ([]*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, cron_expr, enabled, next_run_at, last_run_at, payload
		FROM scheduled_tasks WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns all scheduled tasks.
func (s *Store) ListTasks() ([]*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, cron_expr, enabled, next_run_at, last_run_at, payload
		FROM scheduled_tasks ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*types.ScheduledTask, error) {
	var out []*types.ScheduledTask
	for rows.Next() {
		var t types.ScheduledTask
		var next, last sql.NullTime
		var payload sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.CronExpr, &t.Enabled, &next, &last, &payload); err != nil {
			continue
		}
		t.NextRunAt = timePtr(next)
		t.LastRunAt = timePtr(last)
		t.Payload = strOrEmpty(payload)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// MarkTaskRun stamps last_run_at and the next scheduled run.
func (s *Store) MarkTaskRun(id string, ranAt, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?",
		ranAt, nextRun, id)
	return err
}

// DeleteTask removes a scheduled task.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
