package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// tier2 is the append-only daily-notes directory (spec.md §4.2 Tier 2).
type tier2 struct {
	dir     string // memory/daily
	archive string // memory/daily/archive
}

func newTier2(dir string) (*tier2, error) {
	daily := filepath.Join(dir, "daily")
	if err := os.MkdirAll(daily, 0o755); err != nil {
		return nil, fmt.Errorf("memory: mkdir %s: %w", daily, err)
	}
	return &tier2{dir: daily, archive: filepath.Join(daily, "archive")}, nil
}

func (t *tier2) pathFor(day time.Time) string {
	return filepath.Join(t.dir, day.Format("2006-01-02")+".md")
}

// Append adds a line to today's daily note.
func (t *tier2) Append(line string) error {
	return t.appendTo(time.Now().UTC(), line)
}

func (t *tier2) appendTo(day time.Time, line string) error {
	path := t.pathFor(day)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("memory: append %s: %w", path, err)
	}
	return nil
}

// MostRecentDate returns the date of the newest daily note, if any.
func (t *tier2) MostRecentDate() (string, bool) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return "", false
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			dates = append(dates, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	if len(dates) == 0 {
		return "", false
	}
	sort.Strings(dates)
	return dates[len(dates)-1], true
}

// OlderThan returns daily notes whose date is before threshold, used by
// the consolidator to pick notes to archive (spec.md §4.2
// "Consolidation").
func (t *tier2) OlderThan(threshold time.Time) (map[string]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("memory: read %s: %w", t.dir, err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		dateStr := strings.TrimSuffix(e.Name(), ".md")
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil || !day.Before(threshold) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = string(data)
	}
	return out, nil
}

// Archive atomically moves a daily note into archive/ — the rename is the
// commit of the consolidation sweep.
func (t *tier2) Archive(name string) error {
	if err := os.MkdirAll(t.archive, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir %s: %w", t.archive, err)
	}
	src := filepath.Join(t.dir, name)
	dst := filepath.Join(t.archive, name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("memory: archive %s: %w", name, err)
	}
	return nil
}
