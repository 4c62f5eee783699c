// Package memory implements MemoryManager (C2, spec.md §4.2): three
// persistence tiers (long-term markdown, daily notes, structured items),
// progressive-index and full-context loading, BM25+-ranked salience
// search, background consolidation, and post-task extraction. There is no
// teacher analogue for hierarchical memory; the file-per-item layout and
// integrity-baseline idiom follow runtime/agent/session/session.go's
// explicit-lifecycle, file-backed style (durability over cleverness,
// errors surfaced rather than swallowed — except where spec.md §4.2
// explicitly calls for "warn, never throw").
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// ItemType is one of MemoryItem's four kinds (spec.md §3).
	ItemType string

	// SourceType attributes a MemoryItem's origin, used by sourceTrust
	// weighting in salience search.
	SourceType string

	// MemoryItem is a persistent knowledge unit (spec.md §3).
	MemoryItem struct {
		ID           string     `json:"id"`
		Type         ItemType   `json:"type"`
		Summary      string     `json:"summary"`
		Source       string     `json:"source"`
		SourceType   SourceType `json:"source_type"`
		CreatedAt    time.Time  `json:"created_at"`
		LastAccessed time.Time  `json:"last_accessed"`
		AccessCount  int        `json:"access_count"`
		Tags         []string   `json:"tags"`
		Category     string     `json:"category"`
	}

	// Reflector extracts candidate MemoryItems from free text, injected so
	// the manager doesn't depend on a specific LLM client (spec.md §4.2
	// "Consolidation" / "Extraction").
	Reflector func(ctx context.Context, text string) ([]MemoryItem, error)

	// Summarizer produces an LLM-backed category summary, injected into
	// CategoryOrganizer (spec.md §4.2, Tier 3 "may call an LLM-backed
	// summarization function (injected)").
	Summarizer func(ctx context.Context, items []MemoryItem) (string, error)
)

const (
	TypeKnowledge  ItemType = "knowledge"
	TypePreference ItemType = "preference"
	TypeTask       ItemType = "task"
	TypeFact       ItemType = "fact"

	SourceUserInstruction SourceType = "user_instruction"
	SourceAgentAnalysis   SourceType = "agent_analysis"
	SourceToolOutput      SourceType = "tool_output"
)

// Manager owns all three memory tiers rooted at baseDir/memory.
type Manager struct {
	mu      sync.Mutex
	baseDir string

	tier1 *tier1
	tier2 *tier2
	tier3 *tier3

	salienceThreshold     float64
	dedupJaccardThreshold float64
}

// New constructs a Manager, creating the on-disk layout described in
// spec.md §6 (memory/MEMORY.md, memory/daily/, memory/items/,
// memory/categories/, memory/.memory-integrity.json) if absent.
func New(baseDir string, dedupJaccardThreshold float64) (*Manager, error) {
	dir := filepath.Join(baseDir, "memory")
	if dedupJaccardThreshold <= 0 {
		dedupJaccardThreshold = 0.8
	}
	m := &Manager{baseDir: dir, dedupJaccardThreshold: dedupJaccardThreshold}

	var err error
	if m.tier1, err = newTier1(dir); err != nil {
		return nil, err
	}
	if m.tier2, err = newTier2(dir); err != nil {
		return nil, err
	}
	if m.tier3, err = newTier3(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal %s: %w", path, err)
	}
	return atomicWriteFile(path, data)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func newItemID() string { return uuid.NewString() }
