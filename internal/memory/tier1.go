package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ryaker/zora/internal/telemetry"
)

// tier1 is the single human-editable long-term markdown file plus its
// SHA-256 integrity baseline (spec.md §4.2 Tier 1).
type tier1 struct {
	path          string // memory/MEMORY.md
	integrityPath string // memory/.memory-integrity.json
}

type integrityBaseline struct {
	Hash string `json:"hash"`
}

func newTier1(dir string) (*tier1, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: mkdir %s: %w", dir, err)
	}
	t := &tier1{
		path:          filepath.Join(dir, "MEMORY.md"),
		integrityPath: filepath.Join(dir, ".memory-integrity.json"),
	}
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		if err := os.WriteFile(t.path, []byte("# Long-term memory\n\n"), 0o644); err != nil {
			return nil, fmt.Errorf("memory: create %s: %w", t.path, err)
		}
		if err := t.refreshBaseline(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Read loads the Tier-1 content, logging (never throwing) on an integrity
// mismatch against the stored baseline (spec.md §4.2, "on read, mismatch
// logs a warning but never throws").
func (t *tier1) Read(ctx context.Context, logger telemetry.Logger) (string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", t.path, err)
	}
	var baseline integrityBaseline
	if err := readJSON(t.integrityPath, &baseline); err == nil {
		if sha256Hex(data) != baseline.Hash && logger != nil {
			logger.Warn(ctx, "memory tier-1 integrity mismatch", "path", t.path)
		}
	}
	return string(data), nil
}

// Append adds a line to Tier-1 (consolidation summary lines, task
// completion lines) and refreshes the integrity baseline.
func (t *tier1) Append(line string) error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open %s: %w", t.path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("memory: append %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return t.refreshBaseline()
}

func (t *tier1) refreshBaseline() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", t.path, err)
	}
	return writeJSON(t.integrityPath, integrityBaseline{Hash: sha256Hex(data)})
}
