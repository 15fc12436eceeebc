package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

const (
	DefaultTable        = "migrate_recent_items"
	DriverPQ            = "postgres"
	DriverPGX           = "pgx"
	defaultQueryTimeout = 30 * time.Second
	defaultMaxOpenConns = 4
	defaultConnMaxIdle  = 5 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	DSN          string
	Driver       string
	Table        string
	QueryTimeout time.Duration
}

// PostgresStore reads item rows of the form {"body": {...}} keyed by
// item_type and rid.
type PostgresStore struct {
	dsn          string
	driver       string
	table        string
	queryTimeout time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(opts PostgresOptions) (*PostgresStore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("source dsn is required")
	}
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "pq", DriverPQ, "postgresql":
		driver = DriverPQ
	case DriverPGX:
	default:
		return nil, fmt.Errorf("unsupported source driver: %s", opts.Driver)
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = DefaultTable
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &PostgresStore{
		dsn:          dsn,
		driver:       driver,
		table:        table,
		queryTimeout: timeout,
		openDB:       sql.Open,
	}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB, table string) *PostgresStore {
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	s := &PostgresStore{table: table, queryTimeout: defaultQueryTimeout, db: db}
	s.initOnce.Do(func() {})
	return s
}

func (s *PostgresStore) Fetch(ctx context.Context, t entity.Type, id string) ([]entity.Entity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT item FROM %s
		WHERE item_type = $1 AND rid = $2
		ORDER BY rid, sid`, quoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query, string(t), id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s(%s): %w", t, id, err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s(%s): %w", t, id, err)
		}
		body, err := decodeItem(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s(%s): %w", t, id, err)
		}
		out = append(out, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s(%s): %w", t, id, err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return errors.New("nil postgres store")
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(defaultMaxOpenConns)
		db.SetConnMaxIdleTime(defaultConnMaxIdle)
		ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("connect source store: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func decodeItem(raw []byte) (entity.Entity, error) {
	var item struct {
		Body entity.Entity `json:"body"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	if item.Body == nil {
		return nil, errors.New("item has no body")
	}
	return item.Body, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
