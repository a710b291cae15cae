// Package audit provides the append-only JSONL audit log with size and age
// based rotation.
package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is a single audit record. Entries are append-only and never mutated.
type Entry struct {
	Time      int64          `json:"time"` // ms since epoch
	Action    string         `json:"action"`
	SessionID *string        `json:"sessionId"`
	Role      *string        `json:"role"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log appends entries to <root>/.fortistate-audit.log, rotating the file when
// it outgrows the size threshold or outlives the age threshold. Writes are
// best-effort: failures are swallowed, optionally logged when debug is on.
type Log struct {
	path    string
	maxSize int64
	maxAge  time.Duration
	logger  *slog.Logger
	debug   bool
	nowFunc func() time.Time
	mu      sync.Mutex
}

// Options configure an audit log.
type Options struct {
	Root    string
	MaxSize int64
	MaxAge  time.Duration
	Debug   bool
}

// New creates an audit log under opts.Root.
func New(opts Options, logger *slog.Logger) *Log {
	l := &Log{
		path:    filepath.Join(opts.Root, ".fortistate-audit.log"),
		maxSize: opts.MaxSize,
		maxAge:  opts.MaxAge,
		logger:  logger.With("component", "audit"),
		debug:   opts.Debug,
		nowFunc: time.Now,
	}
	if l.maxSize == 0 {
		l.maxSize = 1 << 20
	}
	if l.maxAge == 0 {
		l.maxAge = 30 * 24 * time.Hour
	}
	return l
}

// Append writes one entry. sessionID and role may be empty for anonymous
// callers; they are recorded as null.
func (l *Log) Append(action, sessionID, role string, details map[string]any) {
	e := Entry{
		Time:    l.nowFunc().UnixMilli(),
		Action:  action,
		Details: details,
	}
	if sessionID != "" {
		e.SessionID = &sessionID
	}
	if role != "" {
		e.Role = &role
	}

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeeded(int64(len(line)))

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		if l.debug {
			l.logger.Debug("audit append failed", "error", err)
		}
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil && l.debug {
		l.logger.Debug("audit write failed", "error", err)
	}
}

// rotateIfNeeded renames the current file aside when size+incoming exceeds
// the size threshold or the file is older than the age threshold.
func (l *Log) rotateIfNeeded(incoming int64) {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	overSize := info.Size()+incoming > l.maxSize
	overAge := l.nowFunc().Sub(info.ModTime()) > l.maxAge
	if !overSize && !overAge {
		return
	}

	stamp := strings.ReplaceAll(l.nowFunc().UTC().Format(time.RFC3339), ":", "-")
	base := strings.TrimSuffix(l.path, ".log")
	rotated := base + "-" + stamp + ".log"
	if err := os.Rename(l.path, rotated); err != nil && l.debug {
		l.logger.Debug("audit rotation failed", "error", err)
	}
}

// Tail returns up to limit entries from the end of the current file.
func (l *Log) Tail(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Path returns the audit file location.
func (l *Log) Path() string { return l.path }
