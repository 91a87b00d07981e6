package store

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	"oakci/internal/logging"
)

// backupTables are the tables always included in a portable export, in an
// order that keeps referential context sensible on import. Activities and
// governance_audit join only on request: activities for volume, audit
// because trails are machine-local by default.
var backupTables = []string{
	"sessions",
	"prompt_batches",
	"observations",
	"resolution_events",
	"plans",
}

// ExportOptions controls which optional tables an export carries.
type ExportOptions struct {
	IncludeActivities bool
	IncludeGovernance bool
}

// ImportStats reports per-table outcomes of an import.
type ImportStats struct {
	Inserted map[string]int
	Skipped  map[string]int
	Errors   int
}

func newImportStats() *ImportStats {
	return &ImportStats{Inserted: make(map[string]int), Skipped: make(map[string]int)}
}

// TotalInserted sums inserted rows across tables.
func (s *ImportStats) TotalInserted() int {
	n := 0
	for _, v := range s.Inserted {
		n += v
	}
	return n
}

// TotalSkipped sums skipped rows across tables.
func (s *ImportStats) TotalSkipped() int {
	n := 0
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

// Merge folds other into s.
func (s *ImportStats) Merge(other *ImportStats) {
	if other == nil {
		return
	}
	if s.Inserted == nil {
		s.Inserted = make(map[string]int)
	}
	if s.Skipped == nil {
		s.Skipped = make(map[string]int)
	}
	for k, v := range other.Inserted {
		s.Inserted[k] += v
	}
	for k, v := range other.Skipped {
		s.Skipped[k] += v
	}
	s.Errors += other.Errors
}

// Export writes the backup-eligible tables as portable INSERT statements, one
// per line. The output round-trips through Import on any machine; dedup
// hashes make replays and cross-machine merges idempotent.
func (s *Store) Export(w io.Writer, opts ExportOptions) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryBackup, "Export")
	defer timer.Stop()

	tables := append([]string{}, backupTables...)
	if opts.IncludeActivities {
		tables = append(tables, "activities")
	}
	if opts.IncludeGovernance {
		tables = append(tables, "governance_audit")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "-- oakci activity store export (schema v%d, machine %s)\n", CurrentSchemaVersion, s.machineID)

	for _, table := range tables {
		n, err := s.exportTable(bw, table)
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", table, err)
		}
		logging.Backup("Exported %d rows from %s", n, table)
	}
	return bw.Flush()
}

func (s *Store) exportTable(w io.Writer, table string) (int, error) {
	cols, err := tableColumns(s.db, table)
	if err != nil {
		return 0, err
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, err
		}
		lits := make([]string, len(cols))
		for i, v := range vals {
			lits[i] = sqlLiteral(v)
		}
		fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(lits, ", "))
		count++
	}
	return count, rows.Err()
}

// sqlLiteral renders a scanned value as a SQLite literal.
func sqlLiteral(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return quoteSQL(string(t))
	case string:
		return quoteSQL(t)
	default:
		return quoteSQL(fmt.Sprintf("%v", t))
	}
}

// quoteSQL renders a string literal on a single physical line. Newlines and
// carriage returns become char() concatenations, which SQLite evaluates back
// to the original value and the import parser decodes; prompts, summaries,
// and plan content are routinely multi-line.
func quoteSQL(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'':
			b.WriteString("''")
		case '\n':
			b.WriteString("'||char(10)||'")
		case '\r':
			b.WriteString("'||char(13)||'")
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// Import replays an export into this store. Rows whose dedup hash or primary
// key already exists are skipped, so importing the same file twice, or files
// from several machines covering overlapping history, converges to one copy.
// Columns absent from the live schema are dropped, which lets newer exports
// load into older installs.
func (s *Store) Import(r io.Reader) (*ImportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryBackup, "Import")
	defer timer.Stop()

	stats := newImportStats()
	colCache := make(map[string]map[string]bool)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		stmt, err := parseInsert(line)
		if err != nil {
			logging.Backup("Skipping unparseable statement: %v", err)
			stats.Errors++
			continue
		}
		if stmt.table == "memory_observations" {
			if err := s.importLegacyObservation(tx, stmt, stats); err != nil {
				logging.Backup("Legacy row import failed: %v", err)
				stats.Errors++
			}
			continue
		}
		if !knownBackupTable(stmt.table) {
			stats.Skipped[stmt.table]++
			continue
		}

		live, ok := colCache[stmt.table]
		if !ok {
			cols, err := tableColumns(tx, stmt.table)
			if err != nil {
				return nil, err
			}
			live = make(map[string]bool, len(cols))
			for _, c := range cols {
				live[c] = true
			}
			colCache[stmt.table] = live
		}
		stmt.restrictColumns(live)

		inserted, err := importRow(tx, stmt)
		if err != nil {
			logging.Backup("Row import into %s failed: %v", stmt.table, err)
			stats.Errors++
			continue
		}
		if inserted {
			stats.Inserted[stmt.table]++
		} else {
			stats.Skipped[stmt.table]++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, table := range sortedKeys(stats.Inserted) {
		logging.Backup("Imported %d rows into %s (%d skipped)", stats.Inserted[table], table, stats.Skipped[table])
	}
	return stats, nil
}

func knownBackupTable(name string) bool {
	if name == "governance_audit" || name == "activities" {
		return true
	}
	for _, t := range backupTables {
		if t == name {
			return true
		}
	}
	return false
}

// importRow inserts one parsed row, skipping duplicates. Tables with a
// dedup_hash column dedup on it; the rest dedup on primary key.
func importRow(tx *sql.Tx, stmt *insertStmt) (bool, error) {
	if len(stmt.columns) == 0 {
		return false, fmt.Errorf("no importable columns for %s", stmt.table)
	}

	if hash, ok := stmt.value("dedup_hash"); ok && hash != nil {
		var existing string
		err := tx.QueryRow(
			fmt.Sprintf("SELECT id FROM %s WHERE dedup_hash = ?", stmt.table), hash).Scan(&existing)
		if err == nil {
			return false, nil
		}
		if err != sql.ErrNoRows {
			return false, err
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(stmt.columns)), ", ")
	res, err := tx.Exec(fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		stmt.table, strings.Join(stmt.columns, ", "), placeholders), stmt.values...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// importLegacyObservation backfills the pre-split memory_observations table.
// session_summary rows become sessions.summary; everything else maps onto the
// observations table with its current column names.
func (s *Store) importLegacyObservation(tx *sql.Tx, stmt *insertStmt, stats *ImportStats) error {
	memType, _ := stmt.value("memory_type")
	if asString(memType) == "session_summary" {
		sessionID, _ := stmt.value("source_session_id")
		body, _ := stmt.value("observation")
		if sessionID == nil || body == nil {
			stats.Skipped["memory_observations"]++
			return nil
		}
		res, err := tx.Exec(
			"UPDATE sessions SET summary = ? WHERE id = ? AND (summary IS NULL OR summary = '')",
			body, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.Inserted["sessions"]++
		} else {
			stats.Skipped["memory_observations"]++
		}
		return nil
	}

	// Plain legacy observation: keep only columns the live table knows.
	cols, err := tableColumns(tx, "observations")
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(cols))
	for _, c := range cols {
		live[c] = true
	}
	stmt.table = "observations"
	stmt.restrictColumns(live)
	inserted, err := importRow(tx, stmt)
	if err != nil {
		return err
	}
	if inserted {
		stats.Inserted["observations"]++
	} else {
		stats.Skipped["observations"]++
	}
	return nil
}

// insertStmt is one parsed INSERT line from an export file.
type insertStmt struct {
	table   string
	columns []string
	values  []interface{}
}

func (st *insertStmt) value(col string) (interface{}, bool) {
	for i, c := range st.columns {
		if c == col {
			return st.values[i], true
		}
	}
	return nil, false
}

// restrictColumns drops columns absent from the live schema.
func (st *insertStmt) restrictColumns(live map[string]bool) {
	cols := st.columns[:0]
	vals := st.values[:0]
	for i, c := range st.columns {
		if live[c] {
			cols = append(cols, c)
			vals = append(vals, st.values[i])
		}
	}
	st.columns = cols
	st.values = vals
}

// parseInsert parses "INSERT INTO t (a, b) VALUES (1, 'x');". Only the
// statement shape Export emits is accepted.
func parseInsert(line string) (*insertStmt, error) {
	rest, ok := cutPrefixFold(line, "INSERT INTO ")
	if !ok {
		return nil, fmt.Errorf("not an insert: %.40s", line)
	}
	open := strings.Index(rest, "(")
	if open < 0 {
		return nil, fmt.Errorf("missing column list")
	}
	table := strings.TrimSpace(rest[:open])
	if !validIdent(table) {
		return nil, fmt.Errorf("bad table name %q", table)
	}
	rest = rest[open+1:]
	closeIdx := strings.Index(rest, ")")
	if closeIdx < 0 {
		return nil, fmt.Errorf("unterminated column list")
	}
	var columns []string
	for _, c := range strings.Split(rest[:closeIdx], ",") {
		c = strings.TrimSpace(c)
		if !validIdent(c) {
			return nil, fmt.Errorf("bad column name %q", c)
		}
		columns = append(columns, c)
	}

	rest = strings.TrimSpace(rest[closeIdx+1:])
	rest, ok = cutPrefixFold(rest, "VALUES")
	if !ok {
		return nil, fmt.Errorf("missing VALUES")
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "(") {
		return nil, fmt.Errorf("missing value list")
	}
	values, err := parseValueList(rest[1:])
	if err != nil {
		return nil, err
	}
	if len(values) != len(columns) {
		return nil, fmt.Errorf("%d columns but %d values", len(columns), len(values))
	}
	return &insertStmt{table: table, columns: columns, values: values}, nil
}

// parseValueList reads comma-separated SQLite literals up to the closing
// paren, honoring '' escapes inside strings.
func parseValueList(s string) ([]interface{}, error) {
	var out []interface{}
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil, fmt.Errorf("unterminated value list")
		}
		if s[i] == '\'' {
			var b strings.Builder
			i++
			for {
				if i >= len(s) {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					// char() concatenation carries the control characters
					// quoteSQL folded out of the literal.
					if ch, n, ok := charConcat(s[i:]); ok {
						b.WriteByte(ch)
						i += n
						continue
					}
					break
				}
				b.WriteByte(s[i])
				i++
			}
			out = append(out, b.String())
		} else {
			start := i
			for i < len(s) && s[i] != ',' && s[i] != ')' {
				i++
			}
			tok := strings.TrimSpace(s[start:i])
			switch {
			case strings.EqualFold(tok, "NULL"):
				out = append(out, nil)
			default:
				out = append(out, tok) // numeric and datetime literals pass through as text
			}
		}
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil, fmt.Errorf("unterminated value list")
		}
		if s[i] == ',' {
			i++
			continue
		}
		if s[i] == ')' {
			return out, nil
		}
		return nil, fmt.Errorf("unexpected character %q in value list", s[i])
	}
}

// charConcat matches the exact "'||char(N)||'" sequences quoteSQL emits,
// returning the decoded byte and how much input it consumed, including the
// reopening quote.
func charConcat(s string) (byte, int, bool) {
	for _, c := range []struct {
		prefix string
		ch     byte
	}{
		{"||char(10)||'", '\n'},
		{"||char(13)||'", '\r'},
	} {
		if strings.HasPrefix(s, c.prefix) {
			return c.ch, len(c.prefix), true
		}
	}
	return 0, 0, false
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
