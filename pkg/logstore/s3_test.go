package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if aws.ToInt64(in.ContentLength) != int64(len(b)) {
		return nil, fmt.Errorf("content length %d does not match body %d", aws.ToInt64(in.ContentLength), len(b))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
	}, nil
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  S3Config
		wantErr string
	}{
		{"empty bucket", S3Config{}, "bucket name is required"},
		{"minimal", S3Config{Bucket: "logs"}, ""},
		{"explicit creds", S3Config{Bucket: "logs", AccessKeyID: "AKIA", SecretAccessKey: "secret"}, ""},
		{"key without secret", S3Config{Bucket: "logs", AccessKeyID: "AKIA"}, "both access key ID and secret access key must be provided together"},
		{"secret without key", S3Config{Bucket: "logs", SecretAccessKey: "secret"}, "both access key ID and secret access key must be provided together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestS3Store_PutOpen(t *testing.T) {
	api := &fakeS3{}
	s := newS3Store(api, S3Config{Bucket: "ci-logs", Prefix: "/ccplane/"})
	ctx := context.Background()

	ref, err := s.Put(ctx, "c1", strings.NewReader("build ok"), -1)
	require.NoError(t, err)
	assert.Equal(t, "s3://ci-logs/ccplane/logs/c1.log", ref)

	rc, size, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "build ok", string(b))
	assert.EqualValues(t, 8, size)

	_, _, err = s.Open(ctx, "s3://ci-logs/ccplane/logs/missing.log")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Open(ctx, "s3://other-bucket/ccplane/logs/c1.log")
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, _, err = s.Open(ctx, "s3://ci-logs/elsewhere/c1.log")
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, _, err = s.Open(ctx, "file:///tmp/c1.log")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestS3Store_WrapError(t *testing.T) {
	s := newS3Store(&fakeS3{}, S3Config{Bucket: "b"})
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key type", &types.NoSuchKey{}, ErrNotFound},
		{"not found type", &types.NotFound{}, ErrNotFound},
		{"no such bucket type", &types.NoSuchBucket{}, ErrBucketNotFound},
		{"access denied", &mockAPIError{code: "AccessDenied"}, ErrAccessDenied},
		{"forbidden", &mockAPIError{code: "Forbidden"}, ErrAccessDenied},
		{"bad key", &mockAPIError{code: "InvalidAccessKeyId"}, ErrInvalidCredentials},
		{"signature", &mockAPIError{code: "SignatureDoesNotMatch"}, ErrInvalidCredentials},
		{"slow down", &mockAPIError{code: "SlowDown"}, ErrThrottled},
		{"unavailable", &mockAPIError{code: "ServiceUnavailable"}, ErrUnavailable},
		{"wrapped", fmt.Errorf("op: %w", &mockAPIError{code: "NoSuchBucket"}), ErrBucketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.wrapError("Put", "s3://b/k", tt.err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("connection reset")
	err := s.wrapError("Put", "", plain)
	assert.ErrorIs(t, err, plain)
}

func TestS3Store_PutError(t *testing.T) {
	s := newS3Store(&fakeS3{putErr: &mockAPIError{code: "AccessDenied", message: "nope"}}, S3Config{Bucket: "b"})
	_, err := s.Put(context.Background(), "c1", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
