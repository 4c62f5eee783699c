package toolexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryaker/zora/internal/policy"
)

type fakeAuth struct {
	decision policy.Decision
	gotTool  string
	gotInput policy.ToolInput
}

func (f *fakeAuth) Authorize(_ context.Context, _ string, toolName string, input policy.ToolInput) policy.Decision {
	f.gotTool = toolName
	f.gotInput = input
	return f.decision
}

func TestCatalogHasSixBuiltins(t *testing.T) {
	names := make([]string, 0, len(Catalog))
	for _, d := range Catalog {
		names = append(names, d.Name)
	}
	require.ElementsMatch(t, []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep"}, names)
}

func TestRunDeniedReturnsErrorResultNotGoError(t *testing.T) {
	auth := &fakeAuth{decision: policy.Decision{Allow: false, Reason: "path not allowed"}}
	result := Run(context.Background(), auth, "job-1", "Read", policy.ToolInput{"path": "/etc/shadow"})
	require.True(t, result.IsError)
	require.Equal(t, "path not allowed", result.Result)
	require.Equal(t, "Read", auth.gotTool)
}

func TestRunDeniedPrefersDryRunResult(t *testing.T) {
	auth := &fakeAuth{decision: policy.Decision{Allow: false, Reason: "denied", DryRunResult: "[dry run] would have executed"}}
	result := Run(context.Background(), auth, "job-1", "Bash", policy.ToolInput{"command": "rm -rf /"})
	require.True(t, result.IsError)
	require.Equal(t, "[dry run] would have executed", result.Result)
}

func TestRunWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}

	writeResult := Run(context.Background(), auth, "job-1", "Write", policy.ToolInput{"path": path, "content": "hello"})
	require.False(t, writeResult.IsError)

	readResult := Run(context.Background(), auth, "job-1", "Read", policy.ToolInput{"path": path})
	require.False(t, readResult.IsError)
	require.Equal(t, "hello", readResult.Result)
}

func TestRunEditReplacesFirstOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo bar foo"), 0o644))
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}

	result := Run(context.Background(), auth, "job-1", "Edit", policy.ToolInput{
		"path": path, "old_string": "foo", "new_string": "baz",
	})
	require.False(t, result.IsError)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "baz bar foo", string(b))
}

func TestRunEditMissingOldStringIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}

	result := Run(context.Background(), auth, "job-1", "Edit", policy.ToolInput{
		"path": path, "old_string": "missing", "new_string": "x",
	})
	require.True(t, result.IsError)
}

func TestRunGlobListsMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("c"), 0o644))
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}

	result := Run(context.Background(), auth, "job-1", "Glob", policy.ToolInput{"path": dir, "pattern": "*.txt"})
	require.False(t, result.IsError)

	var matches []string
	require.NoError(t, json.Unmarshal([]byte(result.Result.(string)), &matches))
	require.Len(t, matches, 2)
}

func TestRunGrepFindsLiteralSubstring(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line one\nneedle here\nline three"), 0o644))
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}

	result := Run(context.Background(), auth, "job-1", "Grep", policy.ToolInput{"path": dir, "pattern": "needle"})
	require.False(t, result.IsError)

	var hits []string
	require.NoError(t, json.Unmarshal([]byte(result.Result.(string)), &hits))
	require.Len(t, hits, 1)
	require.Contains(t, hits[0], "needle here")
}

func TestRunUnknownToolIsError(t *testing.T) {
	auth := &fakeAuth{decision: policy.Decision{Allow: true}}
	result := Run(context.Background(), auth, "job-1", "Frobnicate", policy.ToolInput{})
	require.True(t, result.IsError)
}

func TestRunHonorsUpdatedInput(t *testing.T) {
	dir := t.TempDir()
	realPath := filepath.Join(dir, "redirected.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("redirected contents"), 0o644))

	auth := &fakeAuth{decision: policy.Decision{
		Allow:        true,
		UpdatedInput: policy.ToolInput{"path": realPath},
	}}
	result := Run(context.Background(), auth, "job-1", "Read", policy.ToolInput{"path": "/original/path"})
	require.False(t, result.IsError)
	require.Equal(t, "redirected contents", result.Result)
}
