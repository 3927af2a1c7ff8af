package posts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMineInMemory(t *testing.T) {
	mine, err := NewMine("")
	require.NoError(t, err)

	assert.False(t, mine.Has(1))
	require.NoError(t, mine.Add(1))
	require.NoError(t, mine.Add(1))
	assert.True(t, mine.Has(1))
	assert.Equal(t, []uint64{1}, mine.IDs())
}

func TestMinePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mine.json")

	mine, err := NewMine(path)
	require.NoError(t, err)
	require.NoError(t, mine.Add(42))
	require.NoError(t, mine.Add(7))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[7,42]`, string(data))

	reloaded, err := NewMine(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Has(42))
	assert.True(t, reloaded.Has(7))
}

func TestMineRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mine.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := NewMine(path)
	assert.Error(t, err)
}
