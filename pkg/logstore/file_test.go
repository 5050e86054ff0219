package logstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(FileConfig{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, "c1", strings.NewReader("hello\n"), -1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))
	assert.True(t, strings.HasSuffix(ref, "/logs/c1.log"))

	rc, size, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
	assert.EqualValues(t, 6, size)

	// Replacing keeps the same reference.
	ref2, err := s.Put(ctx, "c1", strings.NewReader("again"), 5)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
}

func TestFileStore_OpenErrors(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(FileConfig{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	missing := Ref{Scheme: BackendFile, Path: filepath.ToSlash(filepath.Join(s.BaseDir(), "logs", "nope.log"))}.String()
	_, _, err = s.Open(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	outside := Ref{Scheme: BackendFile, Path: filepath.ToSlash(filepath.Join(s.BaseDir(), "..", "etc", "passwd"))}.String()
	_, _, err = s.Open(ctx, outside)
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, _, err = s.Open(ctx, "s3://bucket/logs/c1.log")
	assert.ErrorIs(t, err, ErrInvalidRef)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "Open", storeErr.Op)
}

func TestFileStore_Validate(t *testing.T) {
	_, err := NewFileStore(FileConfig{})
	assert.Error(t, err)

	s, err := NewFileStore(FileConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "../escape", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrInvalidRef)
}
