package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileCheckpoint writes the snapshot as one JSON file. While open it holds
// an exclusive lock on <path>.lock so two processes cannot migrate the same
// root at the same time.
type FileCheckpoint struct {
	Path string
	lock *os.File
}

func NewFileCheckpoint(path string) (*FileCheckpoint, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	return &FileCheckpoint{Path: path, lock: lock}, nil
}

func (c *FileCheckpoint) Load(context.Context) (Snapshot, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (c *FileCheckpoint) Save(_ context.Context, snap Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(c.Path, data, 0o644)
}

func (c *FileCheckpoint) Close() error {
	if c == nil || c.lock == nil {
		return nil
	}
	err := releaseFileLock(c.lock)
	c.lock = nil
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	return nil
}
