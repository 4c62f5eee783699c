// Package policy implements the synchronous pre-tool-call authorization gate
// (spec.md §4.1, PolicyEngine/C1). Its allow/block shape is grounded on
// features/policy/basic/engine.go's tag/ident filtering, generalized from a
// single tool-allowlist decision into the full ordered authorize pipeline:
// precondition → budget → always-flag → intent-drift → dry-run → allow.
package policy

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ryaker/zora/internal/config"
	"github.com/ryaker/zora/internal/intentcapsule"
)

// WriteTools is the default tool set subject to dry-run interception when
// Policy.DryRun.Tools is empty (spec.md §4.1 step 5).
var WriteTools = map[string]struct{}{
	"Write": {}, "Edit": {}, "Bash": {},
}

// readOnlyShellCommands are never treated as mutating for dry-run purposes.
var readOnlyShellCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "pwd": {}, "echo": {}, "which": {}, "file": {},
}

var readOnlyGitSubcommands = map[string]struct{}{
	"status": {}, "log": {}, "diff": {}, "show": {}, "branch": {}, "remote": {},
	"tag": {},
}

type (
	// FlagDecision is the caller's verdict on a flagged action.
	FlagDecision struct {
		Approved bool
		Reason   string
	}

	// FlagCallback requests human approval for a flagged action. A nil
	// callback means "no one is listening": always_flag and intent-drift
	// checks silently allow (spec.md §4.1 step 3, "Absent callback ⇒
	// silently allow").
	FlagCallback func(ctx context.Context, category, detail string) FlagDecision

	// ToolInput is the argument bag passed to authorize; interpretation is
	// tool-specific (path-bearing tools read "path"/"file_path", shell tools
	// read "command").
	ToolInput map[string]any

	// Decision is the outcome of authorize.
	Decision struct {
		Allow         bool
		Reason        string
		UpdatedInput  ToolInput
		DryRunResult  string
	}

	// BudgetStatus reports current session consumption.
	BudgetStatus struct {
		TotalActions int
		ByType       map[string]int
		TokensUsed   int
		Exceeded     bool
	}

	// sessionBudget tracks one session's consumption.
	sessionBudget struct {
		totalActions int
		byType       map[string]int
		tokensUsed   int
	}

	// Engine is the PolicyEngine: a single authorize gate consulted before
	// every tool execution.
	Engine struct {
		mu       sync.Mutex
		policy   config.Policy
		path     string // backing policy.toml path, for expandPolicy persistence
		flag     FlagCallback
		capsules map[string]intentcapsule.Capsule // jobId -> active capsule
		signer   *intentcapsule.Signer
		budgets  map[string]*sessionBudget // jobId -> budget
		schemas  map[string]*jsonschema.Schema
		homeDir  string
	}
)

// New constructs an Engine from a loaded Policy. path is the backing
// policy.toml used by expandPolicy to persist runtime grants; pass "" to
// disable persistence (tests).
func New(p config.Policy, path string, signer *intentcapsule.Signer, flag FlagCallback) *Engine {
	home, err := os.UserHomeDir()
	if err != nil {
		if u, uerr := user.Current(); uerr == nil {
			home = u.HomeDir
		}
	}
	return &Engine{
		policy:   p,
		path:     path,
		flag:     flag,
		signer:   signer,
		capsules: make(map[string]intentcapsule.Capsule),
		budgets:  make(map[string]*sessionBudget),
		schemas:  make(map[string]*jsonschema.Schema),
		homeDir:  home,
	}
}

// RegisterSchema associates a JSON Schema with a tool name; authorize
// validates ToolInput against it as part of the tool-specific precondition
// step before any path/command check runs.
func (e *Engine) RegisterSchema(tool string, schema *jsonschema.Schema) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemas[tool] = schema
}

// StartSession resets the per-jobId action/token budget and installs the
// task's IntentCapsule as the active mandate consulted on drift checks.
func (e *Engine) StartSession(jobID string, capsule *intentcapsule.Capsule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budgets[jobID] = &sessionBudget{byType: make(map[string]int)}
	if capsule != nil {
		e.capsules[jobID] = *capsule
	} else {
		delete(e.capsules, jobID)
	}
}

// EndSession discards the session's budget and capsule (spec.md §3,
// IntentCapsule "cleared on task completion").
func (e *Engine) EndSession(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.budgets, jobID)
	delete(e.capsules, jobID)
}

// RecordTokenUsage adds n tokens to the session's consumption counter.
func (e *Engine) RecordTokenUsage(jobID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.budgetFor(jobID)
	b.tokensUsed += n
}

// GetBudgetStatus reports the session's current consumption.
func (e *Engine) GetBudgetStatus(jobID string) BudgetStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.budgetFor(jobID)
	byType := make(map[string]int, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	exceeded := e.policy.Budget.MaxActionsPerSession > 0 && b.totalActions > e.policy.Budget.MaxActionsPerSession
	return BudgetStatus{TotalActions: b.totalActions, ByType: byType, TokensUsed: b.tokensUsed, Exceeded: exceeded}
}

func (e *Engine) budgetFor(jobID string) *sessionBudget {
	b, ok := e.budgets[jobID]
	if !ok {
		b = &sessionBudget{byType: make(map[string]int)}
		e.budgets[jobID] = b
	}
	return b
}

// Authorize runs the full ordered authorization pipeline for one tool call
// (spec.md §4.1, "Authorize ordering"). It short-circuits on the first deny.
func (e *Engine) Authorize(ctx context.Context, jobID, toolName string, input ToolInput) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d := e.checkSchema(toolName, input); !d.Allow {
		return d
	}

	// Step 1: tool-specific precondition.
	updated, d := e.precondition(toolName, input)
	if !d.Allow {
		return d
	}
	input = updated

	// Step 2: budget.
	if d := e.checkBudget(ctx, jobID, toolName); !d.Allow {
		return d
	}

	// Step 3: always_flag.
	category := classifyCategory(toolName, input)
	if d := e.checkAlwaysFlag(ctx, category, toolName, input); !d.Allow {
		return d
	}

	// Step 4: intent drift.
	if d := e.checkIntentDrift(ctx, jobID, category, toolName, input); !d.Allow {
		return d
	}

	// Step 5: dry-run interception.
	if d := e.checkDryRun(toolName, input); !d.Allow {
		return d
	}

	return Decision{Allow: true, UpdatedInput: input}
}

func (e *Engine) checkSchema(toolName string, input ToolInput) Decision {
	schema, ok := e.schemas[toolName]
	if !ok {
		return Decision{Allow: true}
	}
	if err := schema.Validate(map[string]any(input)); err != nil {
		return Decision{Allow: false, Reason: fmt.Sprintf("schema validation failed for %s: %v", toolName, err)}
	}
	return Decision{Allow: true}
}

func (e *Engine) precondition(toolName string, input ToolInput) (ToolInput, Decision) {
	switch toolName {
	case "Bash":
		cmd, _ := input["command"].(string)
		if strings.TrimSpace(cmd) == "" {
			return input, Decision{Allow: false, Reason: "missing required argument: command"}
		}
		if err := e.validateCommandLocked(cmd); err != nil {
			return input, Decision{Allow: false, Reason: err.Error()}
		}
	case "Write", "Edit", "Read", "Glob", "Grep":
		path, _ := firstNonEmpty(input, "path", "file_path", "pattern")
		if path == "" {
			return input, Decision{Allow: false, Reason: fmt.Sprintf("missing required path argument for %s", toolName)}
		}
		resolved, err := e.validatePathLocked(path)
		if err != nil {
			return input, Decision{Allow: false, Reason: err.Error()}
		}
		if p, ok := input["path"]; ok && p != "" {
			input["path"] = resolved
		} else if _, ok := input["file_path"]; ok {
			input["file_path"] = resolved
		}
	}
	return input, Decision{Allow: true}
}

func firstNonEmpty(input ToolInput, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (e *Engine) checkBudget(ctx context.Context, jobID, toolName string) Decision {
	b := e.budgetFor(jobID)
	b.totalActions++
	b.byType[toolName]++

	exceeded := false
	if e.policy.Budget.MaxActionsPerSession > 0 && b.totalActions > e.policy.Budget.MaxActionsPerSession {
		exceeded = true
	}
	if limit, ok := e.policy.Budget.MaxActionsPerType[toolName]; ok && limit > 0 && b.byType[toolName] > limit {
		exceeded = true
	}
	if e.policy.Budget.TokenBudget > 0 && b.tokensUsed > e.policy.Budget.TokenBudget {
		exceeded = true
	}
	if !exceeded {
		return Decision{Allow: true}
	}
	if e.policy.Budget.OnExceed == "flag" && e.flag != nil {
		if d := e.flag(ctx, "budget_exceeded", toolName); d.Approved {
			return Decision{Allow: true}
		}
		return Decision{Allow: false, Reason: "budget exceeded, not approved: " + toolName}
	}
	return Decision{Allow: false, Reason: "budget exceeded: " + toolName}
}

func (e *Engine) checkAlwaysFlag(ctx context.Context, category, toolName string, input ToolInput) Decision {
	flagged := false
	for _, c := range e.policy.Actions.AlwaysFlag {
		if c == "*" || c == category {
			flagged = true
			break
		}
	}
	if !flagged {
		return Decision{Allow: true}
	}
	if e.flag == nil {
		return Decision{Allow: true} // absent callback => silently allow
	}
	if d := e.flag(ctx, category, describeAction(toolName, input)); d.Approved {
		return Decision{Allow: true}
	}
	return Decision{Allow: false, Reason: "flagged action not approved: " + category}
}

func (e *Engine) checkIntentDrift(ctx context.Context, jobID, category, toolName string, input ToolInput) Decision {
	capsule, ok := e.capsules[jobID]
	if !ok || capsule.Expired(time.Now()) {
		return Decision{Allow: true}
	}
	if e.signer == nil || !e.signer.Verify(capsule) {
		return Decision{Allow: true} // unverifiable capsule: treat as absent, do not block the task
	}
	drift := false
	if len(capsule.AllowedActionCategories) > 0 {
		allowed := false
		for _, c := range capsule.AllowedActionCategories {
			if c == category {
				allowed = true
				break
			}
		}
		if !allowed {
			drift = true
		}
	}
	detailKeywords := intentcapsule.Keywordize(describeAction(toolName, input))
	const driftThreshold = 0.15
	if intentcapsule.JaccardOverlap(capsule.MandateKeywords, detailKeywords) < driftThreshold {
		drift = true
	}
	if !drift {
		return Decision{Allow: true}
	}
	if e.flag == nil {
		return Decision{Allow: true} // no callback: allow-with-warning
	}
	if d := e.flag(ctx, "intent_drift", describeAction(toolName, input)); d.Approved {
		return Decision{Allow: true}
	}
	return Decision{Allow: false, Reason: "intent drift, not approved: " + category}
}

func (e *Engine) checkDryRun(toolName string, input ToolInput) Decision {
	if !e.policy.DryRun.Enabled {
		return Decision{Allow: true}
	}
	inScope := false
	for _, t := range e.policy.DryRun.Tools {
		if t == toolName {
			inScope = true
			break
		}
	}
	if !inScope {
		_, inDefault := WriteTools[toolName]
		inScope = inDefault && len(e.policy.DryRun.Tools) == 0
	}
	if !inScope {
		return Decision{Allow: true}
	}
	if toolName == "Bash" {
		cmd, _ := input["command"].(string)
		if isReadOnlyShell(cmd) {
			return Decision{Allow: true}
		}
	}
	desc := describeAction(toolName, input)
	return Decision{Allow: false, Reason: "dry run: would execute " + desc, DryRunResult: desc}
}

func describeAction(toolName string, input ToolInput) string {
	switch toolName {
	case "Bash":
		cmd, _ := input["command"].(string)
		return fmt.Sprintf("%s %q", toolName, cmd)
	default:
		if path, ok := firstNonEmpty(input, "path", "file_path"); ok {
			return fmt.Sprintf("%s %s", toolName, path)
		}
		return toolName
	}
}

func classifyCategory(toolName string, input ToolInput) string {
	switch toolName {
	case "Bash":
		cmd, _ := input["command"].(string)
		fields := strings.Fields(cmd)
		if len(fields) > 0 && fields[0] == "git" && len(fields) > 1 && fields[1] == "push" {
			return "git_push"
		}
		if isReadOnlyShell(cmd) {
			return "shell_exec"
		}
		return "shell_exec_destructive"
	case "Write":
		return "write_file"
	case "Edit":
		return "edit_file"
	default:
		return strings.ToLower(toolName)
	}
}

func isReadOnlyShell(cmd string) bool {
	toks, err := tokenize(cmd)
	if err != nil || len(toks) == 0 {
		return false
	}
	base := filepath.Base(firstCommandToken(toks))
	if _, ok := readOnlyShellCommands[base]; ok {
		return true
	}
	if base == "git" && len(toks) > 1 {
		if _, ok := readOnlyGitSubcommands[toks[1]]; ok {
			return true
		}
	}
	return false
}

func firstCommandToken(toks []string) string {
	for _, t := range toks {
		if strings.Contains(t, "=") && !strings.HasPrefix(t, "-") {
			if i := strings.Index(t, "="); i > 0 && isIdent(t[:i]) {
				continue
			}
		}
		return t
	}
	return ""
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// validatePathLocked implements spec.md §4.1 "Path validation": expand ~,
// resolve to absolute, resolve symlinks unless follow_symlinks, deny on
// denied_paths (prefix match, deny beats allow), else require allowed_paths
// membership.
func (e *Engine) validatePathLocked(raw string) (string, error) {
	expanded := raw
	if strings.HasPrefix(raw, "~") {
		expanded = filepath.Join(e.homeDir, strings.TrimPrefix(raw, "~"))
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", raw, err)
	}
	real := abs
	if !e.policy.Filesystem.FollowSymlinks {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			real = resolved
		}
	}
	for _, denied := range e.policy.Filesystem.DeniedPaths {
		if pathHasPrefix(real, denied) || pathHasPrefix(abs, denied) {
			return "", fmt.Errorf("path denied: %s", raw)
		}
	}
	if len(e.policy.Filesystem.AllowedPaths) == 0 {
		return abs, nil
	}
	for _, allowed := range e.policy.Filesystem.AllowedPaths {
		if pathHasPrefix(abs, allowed) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path not in allowed_paths: %s", raw)
}

// ValidatePath exposes validatePathLocked under the engine's lock, matching
// the PolicyEngine.validatePath contract (spec.md §4.1).
func (e *Engine) ValidatePath(path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validatePathLocked(path)
}

func pathHasPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// validateCommandLocked implements spec.md §4.1 "Command validation".
func (e *Engine) validateCommandLocked(cmd string) error {
	subcommands := [][]string{}
	if e.policy.Shell.SplitChainedCommands {
		for _, part := range splitChained(cmd) {
			toks, err := tokenize(part)
			if err != nil {
				return fmt.Errorf("command parse error: %w", err)
			}
			if len(toks) > 0 {
				subcommands = append(subcommands, toks)
			}
		}
	} else {
		toks, err := tokenize(cmd)
		if err != nil {
			return fmt.Errorf("command parse error: %w", err)
		}
		if len(toks) > 0 {
			subcommands = append(subcommands, toks)
		}
	}
	for _, toks := range subcommands {
		base := filepath.Base(firstCommandToken(toks))
		if base == "" {
			continue
		}
		if err := e.checkCommandAllowed(base); err != nil {
			return err
		}
		for _, tok := range toks {
			if looksLikePath(tok) {
				for _, denied := range e.policy.Filesystem.DeniedPaths {
					if pathHasPrefix(absBestEffort(tok, e.homeDir), denied) {
						return fmt.Errorf("command argument denied: %s", tok)
					}
				}
			}
		}
	}
	return nil
}

// ValidateCommand exposes validateCommandLocked under the engine's lock.
func (e *Engine) ValidateCommand(cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validateCommandLocked(cmd)
}

func (e *Engine) checkCommandAllowed(base string) error {
	switch e.policy.Shell.Mode {
	case "deny_all":
		return fmt.Errorf("shell mode is deny_all: %s", base)
	case "denylist":
		for _, d := range e.policy.Shell.DeniedCommands {
			if d == base {
				return fmt.Errorf("command denied: %s", base)
			}
		}
		return nil
	default: // allowlist
		for _, d := range e.policy.Shell.DeniedCommands {
			if d == base {
				return fmt.Errorf("command permanently denied: %s", base)
			}
		}
		for _, a := range e.policy.Shell.AllowedCommands {
			if a == base {
				return nil
			}
		}
		return fmt.Errorf("command not in allowed_commands: %s", base)
	}
}

func looksLikePath(tok string) bool {
	return strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "~") ||
		strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../")
}

func absBestEffort(tok, home string) string {
	if strings.HasPrefix(tok, "~") {
		tok = filepath.Join(home, strings.TrimPrefix(tok, "~"))
	}
	abs, err := filepath.Abs(tok)
	if err != nil {
		return tok
	}
	return abs
}

// CheckAccess reports per-item allow/deny for a batch of paths and commands
// without mutating budgets or capsule state (spec.md §4.1, checkAccess).
func (e *Engine) CheckAccess(paths, commands []string) (pathResults, commandResults map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pathResults = make(map[string]bool, len(paths))
	for _, p := range paths {
		_, err := e.validatePathLocked(p)
		pathResults[p] = err == nil
	}
	commandResults = make(map[string]bool, len(commands))
	for _, c := range commands {
		commandResults[c] = e.validateCommandLocked(c) == nil
	}
	return pathResults, commandResults
}

// ExpandPolicy adds new paths/commands at runtime, deduplicated, refusing
// any entry already permanently denied (spec.md §4.1, "Runtime expansion").
func (e *Engine) ExpandPolicy(paths, commands []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	grantedPath := false
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("expandPolicy: invalid path %q: %w", p, err)
		}
		for _, denied := range e.policy.Filesystem.DeniedPaths {
			if pathHasPrefix(abs, denied) {
				return fmt.Errorf("expandPolicy: path is permanently denied: %s", p)
			}
		}
		if !containsStr(e.policy.Filesystem.AllowedPaths, abs) {
			e.policy.Filesystem.AllowedPaths = append(e.policy.Filesystem.AllowedPaths, abs)
			grantedPath = true
		}
	}
	for _, c := range commands {
		for _, denied := range e.policy.Shell.DeniedCommands {
			if denied == c {
				return fmt.Errorf("expandPolicy: command is permanently denied: %s", c)
			}
		}
		if !containsStr(e.policy.Shell.AllowedCommands, c) {
			e.policy.Shell.AllowedCommands = append(e.policy.Shell.AllowedCommands, c)
		}
	}
	if len(commands) > 0 && len(e.policy.Shell.AllowedCommands) > 0 && e.policy.Shell.Mode == "deny_all" {
		e.policy.Shell.Mode = "allowlist"
	}
	if grantedPath && e.path != "" {
		return config.SavePolicy(e.path, e.policy)
	}
	return nil
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// splitChained splits a command line on ;, &&, ||, | outside quotes and
// outside $(...)/backtick substitutions.
func splitChained(cmd string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	parenDepth, backtickDepth := 0, 0
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inDouble && backtickDepth == 0:
			inSingle = !inSingle
			cur.WriteRune(r)
		case r == '"' && !inSingle && backtickDepth == 0:
			inDouble = !inDouble
			cur.WriteRune(r)
		case r == '`' && !inSingle:
			if backtickDepth == 0 {
				backtickDepth = 1
			} else {
				backtickDepth = 0
			}
			cur.WriteRune(r)
		case r == '(' && !inSingle && !inDouble:
			parenDepth++
			cur.WriteRune(r)
		case r == ')' && !inSingle && !inDouble && parenDepth > 0:
			parenDepth--
			cur.WriteRune(r)
		case !inSingle && !inDouble && parenDepth == 0 && backtickDepth == 0:
			if r == ';' {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
			if (r == '&' || r == '|') && i+1 < len(runes) && runes[i+1] == r {
				parts = append(parts, cur.String())
				cur.Reset()
				i++
				continue
			}
			if r == '|' {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// tokenize is a shell-aware tokenizer honoring double-quote escapes
// (\", \\, \$, \`), single-quote literals, and outside-quote backslashes
// (spec.md §4.1, "Command validation").
func tokenize(cmd string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	haveTok := false
	inSingle, inDouble := false, false
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			} else if r == '\\' && i+1 < len(runes) && isDoubleEscapable(runes[i+1]) {
				cur.WriteRune(runes[i+1])
				i++
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			inSingle, haveTok = true, true
		case r == '"':
			inDouble, haveTok = true, true
		case r == '\\' && i+1 < len(runes):
			cur.WriteRune(runes[i+1])
			i++
			haveTok = true
		case r == ' ' || r == '\t':
			if haveTok {
				toks = append(toks, cur.String())
				cur.Reset()
				haveTok = false
			}
		default:
			cur.WriteRune(r)
			haveTok = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if haveTok {
		toks = append(toks, cur.String())
	}
	return toks, nil
}

func isDoubleEscapable(r rune) bool {
	return r == '"' || r == '\\' || r == '$' || r == '`'
}

