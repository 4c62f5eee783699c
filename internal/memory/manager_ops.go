package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ryaker/zora/internal/telemetry"
)

// ScoredItem pairs a MemoryItem with its salience score.
type ScoredItem struct {
	Item  MemoryItem
	Score float64
}

// LoadProgressiveIndex returns the default context-loading string: item
// counts, category names, most-recent daily-note date, a tool-usage
// directive, plus Tier-1 content (spec.md §4.2 "Context loading").
func (m *Manager) LoadProgressiveIndex(ctx context.Context, logger telemetry.Logger) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier1Content, err := m.tier1.Read(ctx, logger)
	if err != nil {
		return "", err
	}
	count := m.tier3.ItemCount()
	categories := m.tier3.CategoryNames()
	sort.Strings(categories)
	recentDate, hasRecent := m.tier2.MostRecentDate()

	var b strings.Builder
	b.WriteString("# Memory index\n\n")
	fmt.Fprintf(&b, "- %d stored item(s) across %d categor%s: %s\n", count, len(categories), pluralY(len(categories)), strings.Join(categories, ", "))
	if hasRecent {
		fmt.Fprintf(&b, "- Most recent daily note: %s\n", recentDate)
	}
	b.WriteString("- Use memory_search, recall_context, and memory_save to retrieve or persist details on demand.\n\n")
	b.WriteString(tier1Content)
	return b.String(), nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// LoadFullContext dumps category summaries and the top-N salience-ranked
// items from the last `days` days for batch use (spec.md §4.2, "A
// loadFullContext(days) variant").
func (m *Manager) LoadFullContext(ctx context.Context, days int, topN int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days)
	var recent []MemoryItem
	for _, item := range m.tier3.All() {
		if item.LastAccessed.After(cutoff) || item.CreatedAt.After(cutoff) {
			recent = append(recent, item)
		}
	}
	scored := m.rankLocked(recent, "")
	if topN > 0 && len(scored) > topN {
		scored = scored[:topN]
	}

	var b strings.Builder
	b.WriteString("# Full memory context\n\n")
	for _, cat := range m.tier3.CategoryNames() {
		var summary categorySummary
		_ = readJSON(m.tier3.categoriesDir+"/"+cat+".json", &summary)
		if summary.Summary != "" {
			fmt.Fprintf(&b, "## %s\n%s\n\n", cat, summary.Summary)
		}
	}
	b.WriteString("## Top items\n")
	for _, s := range scored {
		fmt.Fprintf(&b, "- [%s] %s\n", s.Item.Type, s.Item.Summary)
	}
	return b.String(), nil
}

// RecallMemory implements spec.md §4.2 "Search": salience =
// relevance × recency × frequency × sourceTrust, sorted descending,
// optionally limited. Does not bump access counters.
func (m *Manager) RecallMemory(ctx context.Context, query string, limit int) []ScoredItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	scored := m.rankLocked(m.tier3.All(), query)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func (m *Manager) rankLocked(items []MemoryItem, query string) []ScoredItem {
	now := time.Now()
	scored := make([]ScoredItem, 0, len(items))
	for _, item := range items {
		relevance := m.tier3.index.Score(item.ID, query)
		if query != "" && relevance == 0 {
			continue
		}
		if query == "" {
			relevance = 1 // full-context ranking: ignore text relevance, rank by recency/frequency/trust
		}
		score := relevance * recencyDecay(item.LastAccessed, now) * frequencyBoost(item.AccessCount) * sourceTrust(item.SourceType)
		scored = append(scored, ScoredItem{Item: item, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// recencyDecay implements the 14-day half-life exponential decay (spec.md
// §4.2 "recency").
func recencyDecay(lastAccessed, now time.Time) float64 {
	const halfLifeDays = 14.0
	ageDays := now.Sub(lastAccessed).Hours() / 24
	return math.Exp(-ageDays * math.Ln2 / halfLifeDays)
}

// frequencyBoost implements spec.md §4.2's frequency formula.
func frequencyBoost(accessCount int) float64 {
	return 1 + math.Log2(1+float64(accessCount))*0.15
}

// sourceTrust orders user_instruction > agent_analysis > tool_output
// (spec.md §4.2 "sourceTrust").
func sourceTrust(st SourceType) float64 {
	switch st {
	case SourceUserInstruction:
		return 1.0
	case SourceAgentAnalysis:
		return 0.75
	case SourceToolOutput:
		return 0.5
	default:
		return 0.6
	}
}

// Consolidate runs the daily background sweep: collects daily notes older
// than thresholdDays, optionally reflects them into new MemoryItems,
// archives the notes, and appends a Tier-1 summary line, which refreshes the
// Tier-1 integrity baseline (spec.md §4.2 "Consolidation"). Reflected items
// enter the BM25 index as they are created; there is no separate index
// cache to invalidate.
func (m *Manager) Consolidate(ctx context.Context, thresholdDays int, reflect Reflector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := time.Now().AddDate(0, 0, -thresholdDays)
	notes, err := m.tier2.OlderThan(threshold)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}

	var combined strings.Builder
	var names []string
	for name, content := range notes {
		combined.WriteString(content)
		combined.WriteString("\n")
		names = append(names, name)
	}

	if reflect != nil {
		items, err := reflect(ctx, combined.String())
		if err == nil {
			for _, item := range items {
				if item.SourceType == "" {
					item.SourceType = SourceAgentAnalysis
				}
				if _, err := m.createLocked(item); err != nil {
					continue
				}
			}
		}
	}

	for _, name := range names {
		if err := m.tier2.Archive(name); err != nil {
			return err
		}
	}

	summary := fmt.Sprintf("- %s: consolidated %d daily note(s)", time.Now().UTC().Format(time.RFC3339), len(names))
	return m.tier1.Append(summary)
}

// ExtractFromTaskText implements post-task extraction (spec.md §4.2
// "Extraction"): validate each candidate item, dedup by ≥80% Jaccard
// similarity against existing summaries, persist the rest, append a
// daily-note summary line.
func (m *Manager) ExtractFromTaskText(ctx context.Context, text string, extract Reflector) error {
	if extract == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	candidates, err := extract(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: extraction failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tier3.All()
	persisted := 0
	for _, c := range candidates {
		if !validItem(c) {
			continue
		}
		if isDuplicate(c, existing, m.dedupJaccardThreshold) {
			continue
		}
		if c.SourceType == "" {
			c.SourceType = SourceAgentAnalysis
		}
		if _, err := m.createLocked(c); err == nil {
			persisted++
			existing = append(existing, c)
		}
	}
	if persisted > 0 {
		return m.tier2.Append(fmt.Sprintf("- extracted %d memory item(s) from task completion", persisted))
	}
	return nil
}

func (m *Manager) createLocked(item MemoryItem) (MemoryItem, error) {
	return m.tier3.Create(item)
}

func validItem(item MemoryItem) bool {
	if strings.TrimSpace(item.Summary) == "" {
		return false
	}
	switch item.Type {
	case TypeKnowledge, TypePreference, TypeTask, TypeFact:
	default:
		return false
	}
	return true
}

// isDuplicate reports whether item's summary is ≥ threshold Jaccard
// similar (token-set overlap) to any existing item's summary.
func isDuplicate(item MemoryItem, existing []MemoryItem, threshold float64) bool {
	a := tokenSet(item.Summary)
	for _, e := range existing {
		b := tokenSet(e.Summary)
		if jaccard(a, b) >= threshold {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenizeText(s) {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// AppendDailyNote appends a plain line to today's daily note (used by the
// pipeline's "on success" step — spec.md §4.5 step 6, "append a daily-note
// completion line").
func (m *Manager) AppendDailyNote(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier2.Append(line)
}

// RefreshCategories recomputes every category summary. Consolidate and the
// scheduler's consolidation sweep do not call it; it runs only when a
// caller invokes it.
func (m *Manager) RefreshCategories(ctx context.Context, summarize Summarizer) {
	m.mu.Lock()
	names := m.tier3.CategoryNames()
	m.mu.Unlock()
	for _, name := range names {
		_ = m.tier3.RefreshCategory(ctx, name, summarize)
	}
}

// Touch records real usage of an item (as opposed to a search peek).
func (m *Manager) Touch(ctx context.Context, itemID string) error {
	return m.tier3.Touch(ctx, itemID)
}

// CreateItem persists a new MemoryItem directly (used by memory_save tool).
func (m *Manager) CreateItem(item MemoryItem) (MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(item)
}

// DeleteItem soft-deletes an item by id.
func (m *Manager) DeleteItem(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier3.Delete(id)
}
