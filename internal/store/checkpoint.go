package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrCheckpointLocked = errors.New("checkpoint is locked by another process")
)

// Checkpoint persists store snapshots. Load returns a nil snapshot when
// nothing has been saved yet.
type Checkpoint interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

type CheckpointFactory func(dsn, rootKey string) (Checkpoint, error)

var checkpointFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CheckpointFactory
}{
	factories: map[string]CheckpointFactory{},
}

// RegisterCheckpointFactory makes a custom DSN scheme available to
// BuildCheckpointFromDSN. Registered schemes take precedence over the
// built-in ones.
func RegisterCheckpointFactory(scheme string, factory CheckpointFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	checkpointFactoryRegistry.mu.Lock()
	defer checkpointFactoryRegistry.mu.Unlock()
	checkpointFactoryRegistry.factories[scheme] = factory
}

func lookupCheckpointFactory(scheme string) (CheckpointFactory, bool) {
	scheme = normalizeScheme(scheme)
	checkpointFactoryRegistry.mu.RLock()
	defer checkpointFactoryRegistry.mu.RUnlock()
	factory, ok := checkpointFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCheckpointFromDSN opens the checkpoint for one migration root.
//
//	file://<dir> or a bare path   one JSON file per root inside <dir>
//	file://<path>.json            exactly that file
//	memory://                     process-local
//	postgres://...                one row per root
//	redis://...                   one key per root
func BuildCheckpointFromDSN(dsn, rootKey string) (Checkpoint, error) {
	dsn = strings.TrimSpace(dsn)
	rootKey = strings.TrimSpace(rootKey)
	if rootKey == "" {
		return nil, fmt.Errorf("%w: root key is required", ErrInvalidInput)
	}
	if dsn == "" {
		dsn = "file://.curamigrate"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCheckpointFactory(scheme); ok {
		return factory(dsn, rootKey)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(filepath.Ext(path), ".json") {
			path = filepath.Join(path, CheckpointFileName(rootKey))
		}
		return NewFileCheckpoint(path)
	case "memory", "mem", "inmem":
		return NewMemoryCheckpoint(), nil
	case "postgres", "postgresql":
		return NewPostgresCheckpoint(dsn, rootKey)
	case "redis", "rediss":
		return NewRedisCheckpoint(dsn, rootKey)
	default:
		return nil, fmt.Errorf("unsupported checkpoint scheme: %s", scheme)
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CheckpointFileName is the per-root file name used by directory DSNs.
func CheckpointFileName(rootKey string) string {
	return "related_objects_" + unsafeFileChars.ReplaceAllString(rootKey, "_") + ".json"
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// MemoryCheckpoint keeps a deep copy of the last saved snapshot.
type MemoryCheckpoint struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{}
}

func (c *MemoryCheckpoint) Load(context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return nil, nil
	}
	return decodeSnapshot(c.data)
}

func (c *MemoryCheckpoint) Save(_ context.Context, snap Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	return nil
}

func (c *MemoryCheckpoint) Close() error {
	return nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return snap, nil
}
