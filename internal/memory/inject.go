package memory

import (
	"context"
	"fmt"
	"strings"

	"oakci/internal/logging"
	"oakci/internal/store"
	"oakci/internal/types"
)

// ContextForTask builds the injection text for a user prompt. filePaths, when
// present, bias code retrieval toward those files. Returns "" when nothing
// relevant clears the confidence floor.
func (e *Engine) ContextForTask(ctx context.Context, taskText string, filePaths []string) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "ContextForTask")
	defer timer.Stop()

	taskText = strings.TrimSpace(taskText)
	if taskText == "" {
		return "", nil
	}

	results, err := e.Search(ctx, SearchRequest{
		Query: taskText,
		K:     MaxInjectedMemories,
	})
	if err != nil {
		return "", err
	}

	code := pickCode(results.Code, filePaths, MaxInjectedCodeChunks)
	memories := results.Memory
	if len(memories) > MaxInjectedMemories {
		memories = memories[:MaxInjectedMemories]
	}
	summaries := results.Sessions
	if len(summaries) > MaxInjectedSummaries {
		summaries = summaries[:MaxInjectedSummaries]
	}

	return renderInjection(code, memories, summaries), nil
}

// FileContext builds the memory-only injection for a tool event touching one
// file. Only medium-or-better observations are injected.
func (e *Engine) FileContext(ctx context.Context, filePath string) (string, error) {
	if filePath == "" {
		return "", nil
	}
	results, err := e.Search(ctx, SearchRequest{
		Query:      filePath,
		SearchType: "memory",
		K:          MaxInjectedMemories,
	})
	if err != nil {
		return "", err
	}
	var kept []*Result
	for _, r := range results.Memory {
		if r.Relevance >= MediumConfidence {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return "", nil
	}
	return renderInjection(nil, kept, nil), nil
}

// SessionStartContext builds the full session-open payload: recent session
// summaries plus the highest-importance active observations, pulled straight
// from the store without an embedding round-trip.
func (e *Engine) SessionStartContext(st *store.Store) (string, error) {
	sessions, err := st.RecentSummarizedSessions(MaxInjectedSummaries)
	if err != nil {
		return "", fmt.Errorf("failed to load recent sessions: %w", err)
	}
	observations, err := st.QueryObservations(store.ObservationFilter{
		Status: types.ObservationActive,
		Limit:  MaxInjectedMemories,
	})
	if err != nil {
		return "", fmt.Errorf("failed to load observations: %w", err)
	}

	var summaries, memories []*Result
	for _, s := range sessions {
		summaries = append(summaries, &Result{
			Kind:    types.KindSessionSummary,
			RefID:   s.ID,
			Title:   s.Title,
			Content: s.Summary,
		})
	}
	for _, o := range observations {
		memories = append(memories, &Result{
			Kind:       types.KindObservation,
			RefID:      o.ID,
			MemoryType: string(o.MemoryType),
			Context:    o.Context,
			Content:    o.Observation,
		})
	}
	if len(summaries) == 0 && len(memories) == 0 {
		return "", nil
	}
	return renderInjection(nil, memories, summaries), nil
}

// pickCode orders preferred-file chunks first, then fills from the rest.
func pickCode(code []*Result, filePaths []string, limit int) []*Result {
	if len(code) == 0 {
		return nil
	}
	preferred := make(map[string]bool, len(filePaths))
	for _, p := range filePaths {
		preferred[p] = true
	}
	var out []*Result
	if len(preferred) > 0 {
		for _, r := range code {
			if preferred[r.FilePath] {
				out = append(out, r)
			}
		}
	}
	for _, r := range code {
		if len(out) >= limit {
			break
		}
		if !contains(out, r) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func contains(rs []*Result, target *Result) bool {
	for _, r := range rs {
		if r == target {
			return true
		}
	}
	return false
}

// renderInjection formats the payload text. Sections with no content are
// omitted; an all-empty payload renders as "".
func renderInjection(code, memories, summaries []*Result) string {
	var b strings.Builder

	if len(memories) > 0 {
		b.WriteString("## Project Memory\n")
		for _, m := range memories {
			b.WriteString("- ")
			if m.MemoryType != "" {
				fmt.Fprintf(&b, "[%s] ", m.MemoryType)
			}
			b.WriteString(m.Content)
			if m.Context != "" {
				fmt.Fprintf(&b, " (context: %s)", m.Context)
			}
			b.WriteString("\n")
		}
	}

	if len(summaries) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent Sessions\n")
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = s.RefID
			}
			fmt.Fprintf(&b, "- %s: %s\n", title, firstLine(s.Content))
		}
	}

	if len(code) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Relevant Code\n")
		for _, c := range code {
			fmt.Fprintf(&b, "### %s:%d-%d", c.FilePath, c.StartLine, c.EndLine)
			if c.Name != "" {
				fmt.Fprintf(&b, " (%s)", c.Name)
			}
			b.WriteString("\n```\n")
			b.WriteString(truncateLines(c.Content, MaxInjectedCodeLines))
			b.WriteString("\n```\n")
		}
	}

	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// truncateLines keeps the first n lines and marks the cut.
func truncateLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return strings.TrimRight(s, "\n")
	}
	kept := strings.Join(lines[:n], "\n")
	return kept + fmt.Sprintf("\n... (%d more lines)", len(lines)-n)
}
