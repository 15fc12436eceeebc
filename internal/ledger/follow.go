package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every entry already in the ledger at path and then for
// each entry appended later, until ctx is done or fn returns an error.
// Partially written lines are held back until their newline arrives.
func Follow(ctx context.Context, path string, fn func(Entry) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create ledger watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so a ledger created after Follow starts is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path, fn: fn}
	defer t.close()
	if err := t.drain(); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch ledger: %w", err)
		}
	}
}

type tailer struct {
	path    string
	fn      func(Entry) error
	file    *os.File
	reader  *bufio.Reader
	pending []byte
}

// drain delivers every complete line written since the last call.
func (t *tailer) drain() error {
	if t.file == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		t.file = f
		t.reader = bufio.NewReader(f)
	}
	for {
		chunk, err := t.reader.ReadBytes('\n')
		t.pending = append(t.pending, chunk...)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line := bytes.TrimSpace(t.pending)
		t.pending = t.pending[:0]
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode ledger line: %w", err)
		}
		if err := t.fn(e); err != nil {
			return err
		}
	}
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
}
