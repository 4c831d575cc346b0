package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeysRowsByIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usernames.csv")
	require.NoError(t, os.WriteFile(path, []byte("alice\nbob\ncarol\n"), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", table[0])
	assert.Equal(t, "bob", table[1])
	assert.Equal(t, "carol", table[2])
	assert.Len(t, table, 3)
}

func TestLoadMissingFileReturnsNilWithoutError(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	assert.Nil(t, table)
}
