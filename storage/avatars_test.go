package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvatars_Remove(t *testing.T) {
	a, err := NewAvatars(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(a.Path(7), []byte("img"), 0o644))
	require.NoError(t, a.Remove(7))
	_, err = os.Stat(a.Path(7))
	assert.True(t, os.IsNotExist(err))
}

func TestAvatars_RemoveMissing(t *testing.T) {
	a, err := NewAvatars(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, a.Remove(99))
}

func TestNewAvatars_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "favatars")
	_, err := NewAvatars(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
