package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateWriter_RotatesAtSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	rw, err := NewRotateWriter(path, 32, 2)
	require.NoError(t, err)
	defer func() { _ = rw.Close() }()

	line := strings.Repeat("a", 20) + "\n"
	for i := 0; i < 4; i++ {
		_, err := rw.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, rw.Sync())

	for _, name := range []string{path, path + ".1", path + ".2"} {
		data, err := os.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, line, string(data), name)
	}
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotateWriter_Defaults(t *testing.T) {
	rw, err := NewRotateWriter(filepath.Join(t.TempDir(), "x.log"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(defaultRotateMaxSize), rw.maxSize)
	assert.Equal(t, defaultRotateMaxBackups, rw.maxBackups)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("reopened\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())
}

func TestRotateWriter_OpenError(t *testing.T) {
	_, err := NewRotateWriter("/non/existent/dir/x.log", 0, 0)
	assert.Error(t, err)
}
