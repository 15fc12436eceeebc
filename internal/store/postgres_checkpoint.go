package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCheckpointTable  = "curamigrate_checkpoint"
	postgresOperationTimeout = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCheckpoint keeps one snapshot row per migration root.
type PostgresCheckpoint struct {
	dsn       string
	tableName string
	rootKey   string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCheckpoint(dsn, rootKey string) (*PostgresCheckpoint, error) {
	dsn = strings.TrimSpace(dsn)
	rootKey = strings.TrimSpace(rootKey)
	if dsn == "" || rootKey == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCheckpoint{
		dsn:       dsn,
		tableName: postgresCheckpointTable,
		rootKey:   rootKey,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresCheckpoint) Load(ctx context.Context) (Snapshot, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE root_key = $1", quoteIdentifier(c.tableName))
	var payload string
	err := c.db.QueryRowContext(ctx, query, c.rootKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(payload))
}

func (c *PostgresCheckpoint) Save(ctx context.Context, snap Snapshot) error {
	if snap == nil {
		return nil
	}
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (root_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (root_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoteIdentifier(c.tableName))
	_, err = c.db.ExecContext(ctx, query, c.rootKey, string(payload))
	return err
}

func (c *PostgresCheckpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresCheckpoint) ensureReady(ctx context.Context) error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				root_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
