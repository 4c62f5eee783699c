package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// tier3 holds structured MemoryItems (one file per id) and category
// summaries maintained by a CategoryOrganizer (spec.md §4.2 Tier 3).
type tier3 struct {
	mu         sync.RWMutex
	itemsDir   string // memory/items
	categoriesDir string // memory/categories
	archiveDir string // memory/items/archive (soft delete)

	items map[string]MemoryItem
	index *bm25Index
}

type categorySummary struct {
	Slug      string    `json:"slug"`
	Summary   string    `json:"summary"`
	ItemCount int       `json:"itemCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newTier3(dir string) (*tier3, error) {
	itemsDir := filepath.Join(dir, "items")
	categoriesDir := filepath.Join(dir, "categories")
	archiveDir := filepath.Join(itemsDir, "archive")
	for _, d := range []string{itemsDir, categoriesDir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("memory: mkdir %s: %w", d, err)
		}
	}
	t := &tier3{
		itemsDir: itemsDir, categoriesDir: categoriesDir, archiveDir: archiveDir,
		items: make(map[string]MemoryItem), index: newBM25Index(),
	}
	if err := t.loadAll(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tier3) loadAll() error {
	entries, err := os.ReadDir(t.itemsDir)
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", t.itemsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var item MemoryItem
		if err := readJSON(filepath.Join(t.itemsDir, e.Name()), &item); err != nil {
			continue // skip unreadable item rather than failing boot
		}
		t.items[item.ID] = item
		t.index.Put(item.ID, item.Summary, item.Tags)
	}
	return nil
}

func (t *tier3) pathFor(id string) string {
	return filepath.Join(t.itemsDir, id+".json")
}

// Create persists a new MemoryItem, assigning an id and timestamps if unset.
func (t *tier3) Create(item MemoryItem) (MemoryItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item.ID == "" {
		item.ID = newItemID()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.LastAccessed = now
	if err := writeJSON(t.pathFor(item.ID), item); err != nil {
		return MemoryItem{}, err
	}
	t.items[item.ID] = item
	t.index.Put(item.ID, item.Summary, item.Tags)
	return item, nil
}

// Get returns an item without bumping its access counters (a "peek",
// distinct from Touch — spec.md §4.2 "Search does not bump access
// counters").
func (t *tier3) Get(id string) (MemoryItem, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[id]
	return item, ok
}

// Touch bumps access_count/last_accessed — called through Manager.Touch
// when an item is actually used, not on search or LoadFullContext.
func (t *tier3) Touch(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok {
		return fmt.Errorf("memory: item not found: %s", id)
	}
	item.AccessCount++
	item.LastAccessed = time.Now().UTC()
	t.items[id] = item
	return writeJSON(t.pathFor(id), item)
}

// Delete soft-deletes an item by moving its file into items/archive.
func (t *tier3) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return nil
	}
	if err := os.Rename(t.pathFor(id), filepath.Join(t.archiveDir, id+".json")); err != nil {
		return fmt.Errorf("memory: archive item %s: %w", id, err)
	}
	delete(t.items, id)
	t.index.Remove(id)
	return nil
}

// All returns a snapshot of every live item.
func (t *tier3) All() []MemoryItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MemoryItem, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	return out
}

// CategoryNames lists distinct category names among live items.
func (t *tier3) CategoryNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	var names []string
	for _, item := range t.items {
		if item.Category == "" {
			continue
		}
		if _, ok := seen[item.Category]; !ok {
			seen[item.Category] = struct{}{}
			names = append(names, item.Category)
		}
	}
	return names
}

// ItemCount returns the number of live items.
func (t *tier3) ItemCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// RefreshCategory recomputes a category's summary, optionally using an
// injected Summarizer (spec.md §4.2 Tier 3, "CategoryOrganizer that may
// call an LLM-backed summarization function").
func (t *tier3) RefreshCategory(ctx context.Context, slug string, summarize Summarizer) error {
	t.mu.RLock()
	var items []MemoryItem
	for _, item := range t.items {
		if item.Category == slug {
			items = append(items, item)
		}
	}
	t.mu.RUnlock()

	summary := defaultCategorySummary(items)
	if summarize != nil {
		if s, err := summarize(ctx, items); err == nil && s != "" {
			summary = s
		}
	}
	cat := categorySummary{Slug: slug, Summary: summary, ItemCount: len(items), UpdatedAt: time.Now().UTC()}
	return writeJSON(filepath.Join(t.categoriesDir, slug+".json"), cat)
}

func defaultCategorySummary(items []MemoryItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(item.Summary)
	}
	return b.String()
}
