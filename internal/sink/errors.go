package sink

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

var (
	ErrConflict        = errors.New("entity already exists at sink")
	ErrEmptyResponse   = errors.New("empty response from sink")
	ErrUnknownEndpoint = errors.New("no sink endpoint for entity type")
	ErrSnapshotParent  = errors.New("snapshot needs exactly one resourceParent key")
)

// ConflictError is the sink refusing a create because the record already
// exists. The engine treats it as success.
type ConflictError struct {
	Type     entity.Type
	Identity string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s(%s) already exists", e.Type, e.Identity)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, body)
}
