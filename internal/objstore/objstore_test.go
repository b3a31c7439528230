package objstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRemove(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path, err := s.Put(ctx, "raw", "doc.pdf", strings.NewReader("%PDF-1.4 payload"))
	require.NoError(t, err)
	assert.Equal(t, "raw/doc.pdf", path)

	rc, err := s.Get(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 payload", string(data))

	require.NoError(t, s.Remove(ctx, path))
	_, err = s.Get(ctx, path)
	assert.Error(t, err)

	// Removing a missing blob is not an error.
	assert.NoError(t, s.Remove(ctx, path))
}

func TestPutStripsDirectoryComponents(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	path, err := s.Put(context.Background(), "raw", "../../escape.pdf", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "raw/escape.pdf", path)
}

func TestGetRejectsEscapingPaths(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "../outside")
	assert.Error(t, err)

	_, err = s.Get(ctx, "/etc/passwd")
	assert.Error(t, err)
}
