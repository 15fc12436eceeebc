// Package ledger records sync failures so a run can finish and report what
// did not make it to the sink. Every failure is appended to a JSON lines
// file and synced to disk before Record returns; Close also writes the whole
// run as one JSON array next to it.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

const filePrefix = "sync_errors_"

var ErrClosed = errors.New("ledger is closed")

type Entry struct {
	Timestamp    time.Time   `json:"timestamp"`
	EntityType   entity.Type `json:"entityType"`
	Identity     string      `json:"identity"`
	HTTPStatus   int         `json:"httpStatus,omitempty"`
	ResponseBody string      `json:"responseBody,omitempty"`
	Message      string      `json:"message"`
}

type Ledger struct {
	dir   string
	runID string
	now   func() time.Time

	mu      sync.Mutex
	file    *os.File
	entries []Entry
}

// NewRunID returns a sortable, unique run id.
func NewRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// Open creates the ledger for runID inside dir. An empty runID gets a fresh
// one.
func Open(dir, runID string) (*Ledger, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	if strings.TrimSpace(runID) == "" {
		runID = NewRunID()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Ledger{dir: dir, runID: runID, now: time.Now}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Ledger) RunID() string {
	return l.runID
}

// Path is the JSON lines file failures are appended to.
func (l *Ledger) Path() string {
	return filepath.Join(l.dir, filePrefix+l.runID+".jsonl")
}

// SummaryPath is the JSON array written by Close.
func (l *Ledger) SummaryPath() string {
	return filepath.Join(l.dir, filePrefix+l.runID+".json")
}

// Record appends e and flushes it to disk. Safe for concurrent use.
func (l *Ledger) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	l.entries = append(l.entries, e)
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return l.file.Sync()
}

func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close writes the summary array and closes the append file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	writeErr := os.WriteFile(l.SummaryPath(), data, 0o644)
	closeErr := l.file.Close()
	l.file = nil
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Load reads every complete entry from a JSON lines ledger.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// Latest returns the most recent ledger file in dir by run id.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no ledger in %s: %w", dir, os.ErrNotExist)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
