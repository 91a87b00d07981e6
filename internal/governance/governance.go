// Package governance evaluates tool calls against ordered YAML rules and
// records every non-allow decision in the audit log.
package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"oakci/internal/logging"
	"oakci/internal/store"
	"oakci/internal/types"
)

// Decisions, in ascending severity.
const (
	DecisionAllow   = "allow"
	DecisionObserve = "observe"
	DecisionWarn    = "warn"
	DecisionDeny    = "deny"
)

// Modes.
const (
	ModeObserve = "observe"
	ModeEnforce = "enforce"
)

// Rule is one configured governance rule. Rules are evaluated in file order;
// the first match wins.
type Rule struct {
	Name       string   `yaml:"name" json:"name"`
	Action     string   `yaml:"action" json:"action"` // allow | observe | warn | deny
	ToolGlob   string   `yaml:"tool" json:"tool"`     // default "*"
	InputRegex string   `yaml:"input_regex,omitempty" json:"input_regex,omitempty"`
	FileGlob   string   `yaml:"file_glob,omitempty" json:"file_glob,omitempty"`
	Events     []string `yaml:"events,omitempty" json:"events,omitempty"` // default: pre/post tool use
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`

	inputRe *regexp.Regexp
}

// RuleFile is the on-disk shape of .oak/ci/governance.yaml.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Request is one tool call up for evaluation.
type Request struct {
	Event     string
	ToolName  string
	ToolInput map[string]interface{}
	FilePath  string
	SessionID string
	Agent     string
}

// Verdict is the evaluation outcome.
type Verdict struct {
	Decision string `json:"decision"`
	RuleName string `json:"rule_name,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Evaluator matches tool calls against the loaded rule set.
type Evaluator struct {
	mu         sync.RWMutex
	rules      []Rule
	enabled    bool
	mode       string
	logAllowed bool
	store      *store.Store
}

// Options configures a new Evaluator.
type Options struct {
	Enabled    bool
	Mode       string // observe | enforce
	LogAllowed bool
}

// New creates an evaluator; rules are loaded separately via LoadRules or
// SetRules.
func New(st *store.Store, opts Options) *Evaluator {
	mode := opts.Mode
	if mode != ModeEnforce {
		mode = ModeObserve
	}
	return &Evaluator{
		enabled:    opts.Enabled,
		mode:       mode,
		logAllowed: opts.LogAllowed,
		store:      st,
	}
}

// RulesPath returns the rule file location under the project's state dir.
func RulesPath(stateDir string) string {
	return filepath.Join(stateDir, "governance.yaml")
}

// LoadRules reads and compiles the YAML rule file. A missing file yields an
// empty rule set, not an error.
func (e *Evaluator) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		e.SetRules(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read governance rules: %w", err)
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("failed to parse governance rules: %w", err)
	}
	compiled, err := compileRules(rf.Rules)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	logging.Governance("Loaded %d governance rules from %s", len(compiled), path)
	return nil
}

// SetRules replaces the active rule set.
func (e *Evaluator) SetRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the active rule set.
func (e *Evaluator) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Mode returns the active mode.
func (e *Evaluator) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches between observe and enforce.
func (e *Evaluator) SetMode(mode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mode == ModeEnforce {
		e.mode = ModeEnforce
	} else {
		e.mode = ModeObserve
	}
}

func compileRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		switch r.Action {
		case DecisionAllow, DecisionObserve, DecisionWarn, DecisionDeny:
		default:
			return nil, fmt.Errorf("rule %q: invalid action %q", r.Name, r.Action)
		}
		if r.ToolGlob == "" {
			r.ToolGlob = "*"
		}
		if r.InputRegex != "" {
			re, err := regexp.Compile(r.InputRegex)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid input_regex: %w", r.Name, err)
			}
			r.inputRe = re
		}
		out = append(out, r)
	}
	return out, nil
}

// NormalizeEvent lowercases an event name and strips '-' and '_', so
// "pre-tool-use", "PreToolUse" and "pre_tool_use" all match.
func NormalizeEvent(event string) string {
	event = strings.ToLower(event)
	event = strings.ReplaceAll(event, "-", "")
	return strings.ReplaceAll(event, "_", "")
}

// Evaluate runs the request through the rule set. First match wins; no match
// means allow. Observe mode downgrades warn/deny to observe.
func (e *Evaluator) Evaluate(req Request) Verdict {
	return e.evaluate(req, true)
}

// DryRun evaluates without writing audit events, for rule testing.
func (e *Evaluator) DryRun(req Request) Verdict {
	return e.evaluate(req, false)
}

func (e *Evaluator) evaluate(req Request, audit bool) Verdict {
	e.mu.RLock()
	enabled, mode, logAllowed := e.enabled, e.mode, e.logAllowed
	rules := e.rules
	e.mu.RUnlock()

	if !enabled {
		return Verdict{Decision: DecisionAllow}
	}

	event := NormalizeEvent(req.Event)
	serialized := serializeInput(req.ToolInput)
	filePath := req.FilePath
	if filePath == "" {
		filePath = extractFilePath(req.ToolInput)
	}

	for i := range rules {
		r := &rules[i]
		if !ruleMatchesEvent(r, event) {
			continue
		}
		if !globMatch(r.ToolGlob, req.ToolName) {
			continue
		}
		if r.inputRe != nil && !r.inputRe.MatchString(serialized) {
			continue
		}
		if r.FileGlob != "" && !globMatch(r.FileGlob, filePath) {
			continue
		}

		decision := r.Action
		if decision == DecisionAllow {
			if audit && logAllowed {
				e.audit(req, r, decision, mode, serialized, filePath)
			}
			return Verdict{Decision: DecisionAllow, RuleName: r.Name}
		}
		if mode == ModeObserve && (decision == DecisionWarn || decision == DecisionDeny) {
			decision = DecisionObserve
		}
		if audit {
			e.audit(req, r, decision, mode, serialized, filePath)
		}
		v := Verdict{Decision: decision, RuleName: r.Name, Message: r.Message}
		if v.Message == "" && decision != DecisionObserve {
			v.Message = fmt.Sprintf("governance rule %q: %s", r.Name, decision)
		}
		logging.Governance("Rule %q matched tool=%s decision=%s", r.Name, req.ToolName, decision)
		return v
	}
	return Verdict{Decision: DecisionAllow}
}

// ruleMatchesEvent applies the rule's event filter. Rules without an events
// list cover both tool-use events: ingestion reports tool calls as
// post-tool-use, while the rule test endpoint defaults to pre-tool-use, and
// an unlisted rule must bind on both.
func ruleMatchesEvent(r *Rule, event string) bool {
	if len(r.Events) == 0 {
		return event == "" || event == "pretooluse" || event == "posttooluse"
	}
	for _, ev := range r.Events {
		if NormalizeEvent(ev) == event {
			return true
		}
	}
	return false
}

func (e *Evaluator) audit(req Request, r *Rule, decision, mode, serialized, filePath string) {
	if e.store == nil {
		return
	}
	err := e.store.AppendAudit(&types.GovernanceAuditEvent{
		Event:     req.Event,
		ToolName:  req.ToolName,
		ToolInput: serialized,
		FilePath:  filePath,
		RuleName:  r.Name,
		Action:    r.Action,
		Decision:  decision,
		Mode:      mode,
		Category:  CategorizeTool(req.ToolName),
		SessionID: req.SessionID,
		Agent:     req.Agent,
		Message:   r.Message,
	})
	if err != nil {
		logging.Get(logging.CategoryGovernance).Warn("Failed to append audit event: %v", err)
	}
}

func serializeInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func extractFilePath(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "filePath", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// globMatch is fnmatch-style matching via path.Match semantics, with a
// literal fallback when the pattern is malformed. "**/" prefixes are
// flattened to match any depth.
func globMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "**/") {
		if globMatch(pattern[3:], name) {
			return true
		}
		base := name
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			base = name[i+1:]
		}
		if ok, err := filepath.Match(pattern[3:], base); err == nil && ok {
			return true
		}
	}
	ok, err := filepath.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}

// toolCategories is the fixed tool-name to category map used for audit
// filtering. Unknown tools fall into "other".
var toolCategories = map[string]string{
	"read":         "filesystem",
	"write":        "filesystem",
	"edit":         "filesystem",
	"multiedit":    "filesystem",
	"notebookedit": "filesystem",
	"glob":         "filesystem",
	"grep":         "filesystem",
	"ls":           "filesystem",
	"bash":         "shell",
	"bashoutput":   "shell",
	"killshell":    "shell",
	"webfetch":     "network",
	"websearch":    "network",
	"task":         "agent",
	"agent":        "agent",
}

// CategorizeTool maps a tool name onto its fixed category.
func CategorizeTool(toolName string) string {
	if c, ok := toolCategories[strings.ToLower(toolName)]; ok {
		return c
	}
	return "other"
}
