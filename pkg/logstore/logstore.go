// Package logstore stores command output logs and hands out references to
// them.
//
// A reference is a URI naming the backend and object, for example
// file:///var/lib/ccplane/logs/<id>.log or s3://bucket/prefix/logs/<id>.log.
// Agents upload logs through the control center and report the returned
// reference with their terminal status.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Backend names.
const (
	BackendFile = "file"
	BackendS3   = "s3"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the referenced log does not exist.
	ErrNotFound = errors.New("log not found")

	// ErrInvalidRef indicates a malformed reference or one owned by another store.
	ErrInvalidRef = errors.New("invalid log reference")

	// ErrBucketNotFound indicates the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates missing or invalid credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the backend rate limited the request.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the backend is temporarily unavailable.
	ErrUnavailable = errors.New("log store unavailable")
)

// Store persists command logs.
type Store interface {
	// Put stores the log for commandID, replacing any previous one, and
	// returns its reference. size may be -1 when unknown.
	Put(ctx context.Context, commandID string, body io.Reader, size int64) (string, error)

	// Open returns the log behind ref and its size.
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)

	Close() error
}

// Error is a log store operation failure.
type Error struct {
	Op      string
	Backend string
	Ref     string
	Err     error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a missing log.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Key returns the object key for a command's log.
func Key(commandID string) (string, error) {
	id := strings.TrimSpace(commandID)
	if id == "" {
		return "", fmt.Errorf("%w: command id is required", ErrInvalidRef)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: command id %q", ErrInvalidRef, commandID)
	}
	return "logs/" + id + ".log", nil
}

// Ref is a parsed log reference.
type Ref struct {
	Scheme string
	// Host is the bucket for s3 references and empty for file references.
	Host string
	// Path is the object key (s3) or absolute file path (file).
	Path string
}

// ParseRef parses a log reference URI.
func ParseRef(ref string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	switch u.Scheme {
	case BackendFile:
		if u.Host != "" && u.Host != "localhost" {
			return Ref{}, fmt.Errorf("%w: file reference with host %q", ErrInvalidRef, u.Host)
		}
		if u.Path == "" {
			return Ref{}, fmt.Errorf("%w: empty path", ErrInvalidRef)
		}
		return Ref{Scheme: BackendFile, Path: u.Path}, nil
	case BackendS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Ref{}, fmt.Errorf("%w: s3 reference needs bucket and key", ErrInvalidRef)
		}
		return Ref{Scheme: BackendS3, Host: u.Host, Path: key}, nil
	default:
		return Ref{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, u.Scheme)
	}
}

// String formats the reference as a URI.
func (r Ref) String() string {
	switch r.Scheme {
	case BackendS3:
		return (&url.URL{Scheme: BackendS3, Host: r.Host, Path: "/" + r.Path}).String()
	default:
		return (&url.URL{Scheme: r.Scheme, Path: r.Path}).String()
	}
}
