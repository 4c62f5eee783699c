// Package auditlog implements the append-only, hash-chained audit log
// (spec.md §6 "audit.jsonl ... append-only hash-chained audit entries;
// first entry previousHash=\"genesis\"", §5 "AuditLogger: a single-writer
// FIFO queue serializes appends so the hash chain is never torn"). Each
// entry's hash is a SHA-256 over its fields plus the previous entry's hash;
// no tamper verification is performed on read. Appends go through a single
// writer goroutine, following the teacher's plain os/file-append style used
// throughout its file-backed stores.
package auditlog

import (
	"context"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	JobID        string    `json:"jobId"`
	Kind         string    `json:"kind"` // tool_invocation | tool_result | policy_deny | ...
	Detail       string    `json:"detail"`
	PreviousHash string    `json:"previousHash"`
	Hash         string    `json:"hash"`
}

// Logger is a single-writer FIFO-queued appender.
type Logger struct {
	path    string
	queue   chan Entry
	mu      sync.Mutex
	lastHash string
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// Open opens (or creates) the audit log at path and starts its single
// background writer goroutine.
func Open(path string) (*Logger, error) {
	l := &Logger{path: path, queue: make(chan Entry, 256), stopCh: make(chan struct{})}
	if err := l.loadLastHash(); err != nil {
		return nil, err
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *Logger) loadLastHash() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.lastHash = "genesis"
			return nil
		}
		return fmt.Errorf("auditlog: read %s: %w", l.path, err)
	}
	l.lastHash = "genesis"
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		l.lastHash = e.Hash
	}
	return nil
}

// Append enqueues an entry for the single writer to persist; returns
// immediately, preserving FIFO order relative to other Append calls.
func (l *Logger) Append(jobID, kind, detail string) {
	l.queue <- Entry{Timestamp: time.Now().UTC(), JobID: jobID, Kind: kind, Detail: detail}
}

func (l *Logger) run() {
	defer l.wg.Done()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	for {
		select {
		case e := <-l.queue:
			l.writeOne(f, e)
		case <-l.stopCh:
			// Drain remaining queued entries before exiting.
			for {
				select {
				case e := <-l.queue:
					l.writeOne(f, e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeOne(f *os.File, e Entry) {
	l.mu.Lock()
	e.PreviousHash = l.lastHash
	e.Hash = chainHash(e)
	l.lastHash = e.Hash
	l.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	_ = f.Sync()
}

func chainHash(e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", e.Timestamp.Format(time.RFC3339Nano), e.JobID, e.Kind, e.Detail, e.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Close stops the writer after draining any queued entries.
func (l *Logger) Close(ctx context.Context) {
	close(l.stopCh)
	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
