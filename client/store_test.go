package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Load()
	assert.False(t, ok)

	store.Save(4)
	id, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 4, id)

	store.Clear()
	_, ok = store.Load()
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player-id")
	store := NewFileStore(path)

	_, ok := store.Load()
	assert.False(t, ok, "missing file means no selection")

	store.Save(12)
	id, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 12, id)

	store.Clear()
	_, ok = store.Load()
	assert.False(t, ok)

	// Clearing twice must not blow up.
	store.Clear()
}

func TestFileStoreIgnoresGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player-id")
	require.NoError(t, os.WriteFile(path, []byte("not a number\n"), 0o644))

	_, ok := NewFileStore(path).Load()
	assert.False(t, ok)
}
