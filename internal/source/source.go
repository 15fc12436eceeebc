// Package source reads entity bodies from the relational store being
// migrated away from.
package source

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

// Store fetches every body stored under (type, surrogate id).
type Store interface {
	Fetch(ctx context.Context, t entity.Type, id string) ([]entity.Entity, error)
}

// ErrInvalidIdentifier is returned by stores that can tell an id is not
// surrogate-shaped without asking the database.
var ErrInvalidIdentifier = errors.New("identifier is not a surrogate id")

const (
	sqlStateInvalidTextRepresentation = "22P02"
	uuidSyntaxMessage                 = "invalid input syntax for type uuid"
)

// IsAlreadyRewritten reports whether a fetch failed only because the id is
// not surrogate-shaped. During collection this happens when a reference has
// already been rewritten to a natural key, and the target is then already
// in the object store under that key.
func IsAlreadyRewritten(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidIdentifier) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == sqlStateInvalidTextRepresentation && strings.Contains(pqErr.Message, uuidSyntaxMessage)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateInvalidTextRepresentation && strings.Contains(pgErr.Message, uuidSyntaxMessage)
	}
	return strings.Contains(err.Error(), uuidSyntaxMessage)
}
