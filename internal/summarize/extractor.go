package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// Extractor turns raw session records into observations, summaries, and
// titles via the summarization client.
type Extractor struct {
	client Client
}

// NewExtractor creates an extractor backed by the given client.
func NewExtractor(client Client) *Extractor {
	return &Extractor{client: client}
}

type extractionPayload struct {
	Observations []struct {
		MemoryType  string   `json:"memory_type"`
		Observation string   `json:"observation"`
		Context     string   `json:"context"`
		Tags        []string `json:"tags"`
		Importance  int      `json:"importance"`
	} `json:"observations"`
}

// ExtractObservations sends one completed batch to the model and parses the
// observations out of its response. The returned observations carry the batch
// lineage and origin type; the caller persists them.
func (e *Extractor) ExtractObservations(ctx context.Context, batch *types.PromptBatch, activities []*types.Activity) ([]*types.Observation, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "ExtractObservations")
	defer timer.Stop()

	prompt := buildExtractionPrompt(batch, activities)
	raw, err := e.client.Complete(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	payload, err := parseExtraction(raw)
	if err != nil {
		return nil, err
	}

	origin := ClassifyOrigin(activities)
	var out []*types.Observation
	for _, item := range payload.Observations {
		memType := types.MemoryType(strings.TrimSpace(item.MemoryType))
		if !types.ValidMemoryType(memType) || memType == types.MemorySessionSummary {
			logging.PipelineDebug("Dropping observation with memory type %q", item.MemoryType)
			continue
		}
		text := strings.TrimSpace(item.Observation)
		if text == "" {
			continue
		}
		o := &types.Observation{
			MemoryType:        memType,
			Observation:       text,
			Context:           strings.TrimSpace(item.Context),
			Tags:              item.Tags,
			SourceSessionID:   batch.SessionID,
			SourceBatchID:     batch.ID,
			SessionOriginType: origin,
			Importance:        item.Importance,
			Status:            types.ObservationActive,
		}
		o.ClampImportance()
		out = append(out, o)
	}
	logging.Pipeline("Extracted %d observations from batch %s", len(out), batch.ID)
	return out, nil
}

// parseExtraction unwraps the model's JSON defensively: candidates are
// scanned out of the full response text and the first one with an
// observations field wins.
func parseExtraction(raw string) (*extractionPayload, error) {
	for _, candidate := range findJSONCandidates(stripReasoning(raw)) {
		var payload extractionPayload
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		if strings.Contains(candidate, "\"observations\"") {
			return &payload, nil
		}
	}
	return nil, fmt.Errorf("no parseable extraction JSON in model response (%d bytes)", len(raw))
}

// SummarizeSession produces a prose summary for a completed session.
func (e *Extractor) SummarizeSession(ctx context.Context, session *types.Session, batches []*types.PromptBatch) (string, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "SummarizeSession")
	defer timer.Stop()

	prompt := buildSummaryPrompt(session, batches)
	raw, err := e.client.Complete(ctx, summarySystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("summary call failed: %w", err)
	}
	summary := strings.TrimSpace(stripReasoning(raw))
	if summary == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	return summary, nil
}

// GenerateTitle produces a short session title. An empty or unusable first
// answer is retried once with a prompt that forbids reasoning output.
func (e *Extractor) GenerateTitle(ctx context.Context, summary string) (string, error) {
	raw, err := e.client.Complete(ctx, titleSystemPrompt, summary)
	if err != nil {
		return "", fmt.Errorf("title call failed: %w", err)
	}
	if title := cleanTitle(raw); title != "" {
		return title, nil
	}

	logging.PipelineDebug("Empty title from first attempt, retrying with non-reasoning prompt")
	raw, err = e.client.Complete(ctx, titleRetrySystemPrompt, summary)
	if err != nil {
		return "", fmt.Errorf("title retry failed: %w", err)
	}
	title := cleanTitle(raw)
	if title == "" {
		return "", fmt.Errorf("model returned empty title twice")
	}
	return title, nil
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// stripReasoning removes reasoning-model think blocks and markdown fences.
func stripReasoning(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return s
}

// cleanTitle normalizes a raw title answer; returns "" when unusable.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(stripReasoning(raw))
	// Take the first non-empty line; chatty models append explanations.
	for _, line := range strings.Split(title, "\n") {
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		if line != "" {
			title = line
			break
		}
	}
	title = strings.Trim(title, `"'`)
	if title == "" || len(title) > 120 {
		return ""
	}
	return title
}

// ClassifyOrigin computes the session origin type from read/edit ratios over
// a batch's activities. Heavy reading with no edits is investigation; plan
// batches are planning; edit-dominated work is implementation.
func ClassifyOrigin(activities []*types.Activity) types.OriginType {
	if len(activities) == 0 {
		return types.OriginMixed
	}
	var reads, edits int
	for _, a := range activities {
		switch normalizeTool(a.ToolName) {
		case "read", "grep", "glob", "search", "ls", "webfetch":
			reads++
		case "write", "edit", "multiedit", "notebookedit", "patch":
			edits++
		}
	}
	total := len(activities)
	switch {
	case edits == 0 && reads*2 >= total:
		return types.OriginInvestigation
	case edits*2 >= total:
		return types.OriginImplementation
	case edits > 0:
		return types.OriginMixed
	default:
		return types.OriginMixed
	}
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func buildExtractionPrompt(batch *types.PromptBatch, activities []*types.Activity) string {
	var b strings.Builder
	b.WriteString("User prompt:\n")
	b.WriteString(truncate(batch.UserPrompt, 2000))
	if batch.PlanContent != "" {
		b.WriteString("\n\nPlan content:\n")
		b.WriteString(truncate(batch.PlanContent, 2000))
	}
	b.WriteString("\n\nTool activity:\n")
	for i, a := range activities {
		if i >= 50 {
			fmt.Fprintf(&b, "... and %d more activities\n", len(activities)-i)
			break
		}
		status := "ok"
		if !a.Success {
			status = "FAILED: " + truncate(a.ErrorMessage, 200)
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", a.ToolName, a.FilePath, status)
		if a.ToolOutputSummary != "" {
			fmt.Fprintf(&b, "  %s\n", truncate(a.ToolOutputSummary, 300))
		}
	}
	if batch.ResponseSummary != "" {
		b.WriteString("\nAgent response summary:\n")
		b.WriteString(truncate(batch.ResponseSummary, 2000))
	}
	return b.String()
}

func buildSummaryPrompt(session *types.Session, batches []*types.PromptBatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session by agent %q with %d prompts.\n\n", session.Agent, len(batches))
	for i, batch := range batches {
		if i >= 20 {
			fmt.Fprintf(&b, "... and %d more prompts\n", len(batches)-i)
			break
		}
		fmt.Fprintf(&b, "Prompt %d: %s\n", batch.PromptNumber, truncate(batch.UserPrompt, 500))
		if batch.ResponseSummary != "" {
			fmt.Fprintf(&b, "Outcome: %s\n", truncate(batch.ResponseSummary, 500))
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
