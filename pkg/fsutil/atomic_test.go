package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letters.yaml")

	require.NoError(t, WriteFileAtomic(path, []byte("- id: a\n"), 0o600))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- id: a\n", string(raw))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteFileAtomicKeepsModeAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o640))
	require.NoError(t, os.Chmod(path, 0o640))

	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("newer"), 0o600))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(raw))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "missing", "x.yaml"), []byte("x"), 0o600)
	assert.Error(t, err)
}
