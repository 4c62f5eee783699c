// Package toolexec implements the built-in tool catalog every Provider
// adapter executes against: Bash, Read, Write, Edit, Glob, Grep (the same
// six names internal/policy's precondition/dry-run checks are written
// against). spec.md's Non-goal "does not expose a tool-authoring SDK" means
// this catalog is fixed, not user-extensible; there is no teacher analogue
// for a tool-execution suite, so each tool's shape follows the narrowest
// plausible reading of its name and the arguments internal/policy already
// expects (path/file_path for path-bearing tools, command for Bash).
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/policy"
)

// Definition describes one built-in tool for provider adapters that need to
// advertise a tool schema to the underlying LLM API (Anthropic tool_use,
// OpenAI function-calling, Bedrock Converse toolConfig).
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Catalog is the fixed, ordered set of built-in tools every adapter exposes.
var Catalog = []Definition{
	{
		Name:        "Bash",
		Description: "Execute a shell command and return its combined stdout/stderr.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []string{"command"},
		},
	},
	{
		Name:        "Read",
		Description: "Read a UTF-8 text file from disk.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	},
	{
		Name:        "Write",
		Description: "Write (overwrite) a UTF-8 text file on disk, creating parent directories as needed.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	},
	{
		Name:        "Edit",
		Description: "Replace the first occurrence of old_string with new_string in a file.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
	},
	{
		Name:        "Glob",
		Description: "List files matching a glob pattern rooted at path.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"pattern": map[string]any{"type": "string"},
			},
			"required": []string{"path", "pattern"},
		},
	},
	{
		Name:        "Grep",
		Description: "Search for a literal substring across files under path.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"pattern": map[string]any{"type": "string"},
			},
			"required": []string{"path", "pattern"},
		},
	},
}

// Authorizer is the narrow handle provider adapters consult before running a
// tool; satisfied by *policy.Engine and by provider.Authorizer.
type Authorizer interface {
	Authorize(ctx context.Context, jobID, toolName string, input policy.ToolInput) policy.Decision
}

// Run authorizes and, if allowed, executes toolName with input, returning a
// ToolResultPayload ready to attach to a tool_result Event. A deny is not an
// error: it is reported as an IsError result so the provider's own
// conversation loop can let the model recover (spec.md §4.1 "Failure
// semantics").
func Run(ctx context.Context, auth Authorizer, jobID, toolName string, input policy.ToolInput) event.ToolResultPayload {
	decision := auth.Authorize(ctx, jobID, toolName, input)
	if !decision.Allow {
		reason := decision.Reason
		if decision.DryRunResult != "" {
			reason = decision.DryRunResult
		}
		return event.ToolResultPayload{Result: reason, IsError: true}
	}
	args := input
	if decision.UpdatedInput != nil {
		args = decision.UpdatedInput
	}
	result, err := execute(ctx, toolName, args)
	if err != nil {
		return event.ToolResultPayload{Result: err.Error(), IsError: true}
	}
	return event.ToolResultPayload{Result: result}
}

func execute(ctx context.Context, toolName string, input policy.ToolInput) (string, error) {
	switch toolName {
	case "Bash":
		return runBash(ctx, input)
	case "Read":
		return runRead(input)
	case "Write":
		return runWrite(input)
	case "Edit":
		return runEdit(input)
	case "Glob":
		return runGlob(input)
	case "Grep":
		return runGrep(input)
	default:
		return "", fmt.Errorf("toolexec: unknown tool %q", toolName)
	}
}

func stringArg(input policy.ToolInput, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func runBash(ctx context.Context, input policy.ToolInput) (string, error) {
	cmd, ok := stringArg(input, "command")
	if !ok || cmd == "" {
		return "", fmt.Errorf("toolexec: Bash requires a command argument")
	}
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	c := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		return out.String(), fmt.Errorf("command failed: %w: %s", err, out.String())
	}
	return out.String(), nil
}

func runRead(input policy.ToolInput) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		path, ok = stringArg(input, "file_path")
	}
	if !ok || path == "" {
		return "", fmt.Errorf("toolexec: Read requires a path argument")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func runWrite(input policy.ToolInput) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		path, ok = stringArg(input, "file_path")
	}
	content, _ := stringArg(input, "content")
	if !ok || path == "" {
		return "", fmt.Errorf("toolexec: Write requires a path argument")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func runEdit(input policy.ToolInput) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		path, ok = stringArg(input, "file_path")
	}
	oldStr, _ := stringArg(input, "old_string")
	newStr, _ := stringArg(input, "new_string")
	if !ok || path == "" {
		return "", fmt.Errorf("toolexec: Edit requires a path argument")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	orig := string(b)
	if !strings.Contains(orig, oldStr) {
		return "", fmt.Errorf("toolexec: old_string not found in %s", path)
	}
	updated := strings.Replace(orig, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s", path), nil
}

func runGlob(input policy.ToolInput) (string, error) {
	path, _ := stringArg(input, "path")
	pattern, ok := stringArg(input, "pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("toolexec: Glob requires a pattern argument")
	}
	matches, err := filepath.Glob(filepath.Join(path, pattern))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(matches)
	return string(b), err
}

func runGrep(input policy.ToolInput) (string, error) {
	root, ok := stringArg(input, "path")
	if !ok || root == "" {
		return "", fmt.Errorf("toolexec: Grep requires a path argument")
	}
	pattern, ok := stringArg(input, "pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("toolexec: Grep requires a pattern argument")
	}
	var hits []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(b), "\n") {
			if strings.Contains(line, pattern) {
				hits = append(hits, fmt.Sprintf("%s:%d:%s", p, i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(hits)
	return string(b), err
}
