// Package steering implements the durable per-jobId steering inbox (C4,
// spec.md §3 "Event" kind "steering", §5 "Shared resources": "Steering
// inbox: one directory per jobId; producers ... write message files;
// consumer ... renames processed files into archive/. The rename is the
// commit."). There is no teacher analogue for a filesystem mailbox; the
// directory layout and rename-as-commit protocol follow spec.md §6's
// on-disk layout literally, written in the plain os/filepath idiom the
// teacher uses throughout its file-backed stores.
package steering

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Message is one pending or archived steering message.
type Message struct {
	MessageID string    `json:"messageId"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// Inbox manages one jobId's pending/archive message directories.
type Inbox struct {
	baseDir string
}

// NewInbox constructs an Inbox rooted at "<base>/steering".
func NewInbox(baseDir string) *Inbox {
	return &Inbox{baseDir: baseDir}
}

func (i *Inbox) jobDir(jobID string) string {
	return filepath.Join(i.baseDir, jobID)
}

func (i *Inbox) archiveDir(jobID string) string {
	return filepath.Join(i.jobDir(jobID), "archive")
}

// Submit writes a new pending message file for jobId (the HTTP
// POST /api/steer producer side).
func (i *Inbox) Submit(jobID, author, text, source string) (Message, error) {
	msg := Message{
		MessageID: uuid.NewString(),
		Author:    author,
		Text:      text,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	dir := i.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Message{}, fmt.Errorf("steering: mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("steering: marshal message: %w", err)
	}
	path := filepath.Join(dir, msg.MessageID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Message{}, fmt.Errorf("steering: write %s: %w", path, err)
	}
	return msg, nil
}

// Drain returns every pending message for jobId in creation (CreatedAt) order
// and archives each by renaming it into archive/ — the rename is the
// commit, so a message is never both pending and drained (spec.md §5).
func (i *Inbox) Drain(jobID string) ([]Message, error) {
	dir := i.jobDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("steering: read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	archive := i.archiveDir(jobID)
	if len(names) > 0 {
		if err := os.MkdirAll(archive, 0o755); err != nil {
			return nil, fmt.Errorf("steering: mkdir %s: %w", archive, err)
		}
	}

	var messages []Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file vanished (already drained by a concurrent poll); skip
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if err := os.Rename(path, filepath.Join(archive, name)); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	sort.SliceStable(messages, func(a, b int) bool { return messages[a].CreatedAt.Before(messages[b].CreatedAt) })
	return messages, nil
}
