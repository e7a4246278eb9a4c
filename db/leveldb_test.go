package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64RoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	store, err := NewLevelDB(path)
	require.NoError(t, err)

	_, ok, err := GetUint64(store, []byte("fetched_block_number"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, PutUint64(store, []byte("fetched_block_number"), 19_000_001))
	require.NoError(t, store.Close())

	store, err = NewLevelDB(path)
	require.NoError(t, err)
	defer store.Close()

	got, ok, err := GetUint64(store, []byte("fetched_block_number"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(19_000_001), got)

	require.NoError(t, store.Delete([]byte("fetched_block_number")))
	_, ok, err = GetUint64(store, []byte("fetched_block_number"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZeroIsStoredAsPresent(t *testing.T) {
	store, err := NewMemLevelDB()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, PutUint64(store, []byte("k"), 0))
	got, ok, err := GetUint64(store, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, got)
}
