package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// AppendAudit records a governance decision. Audit writes never fail the
// caller's decision path; the evaluator logs and proceeds on error.
func (s *Store) AppendAudit(e *types.GovernanceAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO governance_audit (id, event, tool_name, tool_input, file_path, rule_name,
			action, decision, mode, category, session_id, agent, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Event, e.ToolName, nullStr(e.ToolInput), nullStr(e.FilePath), nullStr(e.RuleName),
		e.Action, e.Decision, e.Mode, e.Category, nullStr(e.SessionID), nullStr(e.Agent),
		nullStr(e.Message), e.CreatedAt)
	return err
}

// AuditFilter controls QueryAudit.
type AuditFilter struct {
	ToolName string
	Category string
	Decision string
	Limit    int
	Offset   int
}

// QueryAudit returns audit events newest-first.
func (s *Store) QueryAudit(f AuditFilter) ([]*types.GovernanceAuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT id, event, tool_name, tool_input, file_path, rule_name, action, decision,
			mode, category, session_id, agent, message, created_at
		FROM governance_audit WHERE 1=1`
	args := []interface{}{}
	if f.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, f.ToolName)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Decision != "" {
		query += " AND decision = ?"
		args = append(args, f.Decision)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.GovernanceAuditEvent
	for rows.Next() {
		var e types.GovernanceAuditEvent
		var input, filePath, rule, sessionID, agent, message sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &e.ToolName, &input, &filePath, &rule,
			&e.Action, &e.Decision, &e.Mode, &e.Category, &sessionID, &agent, &message, &e.CreatedAt); err != nil {
			continue
		}
		e.ToolInput = strOrEmpty(input)
		e.FilePath = strOrEmpty(filePath)
		e.RuleName = strOrEmpty(rule)
		e.SessionID = strOrEmpty(sessionID)
		e.Agent = strOrEmpty(agent)
		e.Message = strOrEmpty(message)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneAudit deletes audit events older than retentionDays.
func (s *Store) PruneAudit(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec("DELETE FROM governance_audit WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Governance("Pruned %d audit events older than %d days", n, retentionDays)
	}
	return n, nil
}
