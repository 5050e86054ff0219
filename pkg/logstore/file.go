package logstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps logs under a local directory.
type FileStore struct {
	baseDir string
}

var _ Store = (*FileStore)(nil)

type FileConfig struct {
	BaseDir string
}

func (c FileConfig) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	return &FileStore{baseDir: base}, nil
}

func (s *FileStore) Close() error { return nil }

// BaseDir returns the absolute directory logs are written under.
func (s *FileStore) BaseDir() string { return s.baseDir }

// Put writes the log atomically via a temp file and rename.
func (s *FileStore) Put(ctx context.Context, commandID string, body io.Reader, size int64) (string, error) {
	_ = size
	key, err := Key(commandID)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	ref := Ref{Scheme: BackendFile, Path: filepath.ToSlash(full)}.String()
	if err := ctx.Err(); err != nil {
		return "", s.wrapError("Put", ref, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", s.wrapError("Put", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "ccplane-log-*")
	if err != nil {
		return "", s.wrapError("Put", ref, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return "", s.wrapError("Put", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", s.wrapError("Put", ref, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", s.wrapError("Put", ref, err)
	}
	return ref, nil
}

func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := s.resolve(ref)
	if err != nil {
		return nil, 0, s.wrapError("Open", ref, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, s.wrapError("Open", ref, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, s.wrapError("Open", ref, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, s.wrapError("Open", ref, ErrNotFound)
	}
	return f, st.Size(), nil
}

// resolve maps a file reference to a path under the base dir.
func (s *FileStore) resolve(ref string) (string, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if r.Scheme != BackendFile {
		return "", fmt.Errorf("%w: not a file reference", ErrInvalidRef)
	}
	clean := filepath.Clean(filepath.FromSlash(r.Path))
	rel, err := filepath.Rel(s.baseDir, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: outside log directory", ErrInvalidRef)
	}
	return clean, nil
}

func (s *FileStore) wrapError(op, ref string, err error) error {
	wrapped := &Error{Op: op, Backend: BackendFile, Ref: ref, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
