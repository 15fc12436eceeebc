//go:build unix

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCheckpointLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "related_objects_gdm-1.json")
	first, err := NewFileCheckpoint(path)
	require.NoError(t, err)

	_, err = NewFileCheckpoint(path)
	assert.ErrorIs(t, err, ErrCheckpointLocked)

	require.NoError(t, first.Close())
	second, err := NewFileCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
