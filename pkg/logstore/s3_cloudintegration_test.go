//go:build cloudintegration

package logstore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/logstore"
	"github.com/3leaps/ccplane/test/cloudtest"
)

func TestS3Store_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	s, err := logstore.NewS3Store(ctx, logstore.S3Config{
		Bucket:          bucket,
		Prefix:          "ccplane",
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	defer s.Close()

	t.Run("round trips a log", func(t *testing.T) {
		ref, err := s.Put(ctx, "cmd-1", strings.NewReader("step output\n"), -1)
		require.NoError(t, err)
		assert.Equal(t, "s3://"+bucket+"/ccplane/logs/cmd-1.log", ref)

		rc, size, err := s.Open(ctx, ref)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "step output\n", string(b))
		assert.EqualValues(t, len(b), size)
	})

	t.Run("missing log", func(t *testing.T) {
		_, _, err := s.Open(ctx, "s3://"+bucket+"/ccplane/logs/missing.log")
		assert.ErrorIs(t, err, logstore.ErrNotFound)
	})

	t.Run("missing bucket", func(t *testing.T) {
		other, err := logstore.NewS3Store(ctx, logstore.S3Config{
			Bucket:          "nonexistent-bucket-12345",
			Endpoint:        cloudtest.Endpoint,
			Region:          cloudtest.Region,
			AccessKeyID:     cloudtest.TestAccessKeyID,
			SecretAccessKey: cloudtest.TestSecretAccessKey,
			ForcePathStyle:  true,
		})
		require.NoError(t, err)
		_, err = other.Put(ctx, "cmd-1", strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, logstore.ErrBucketNotFound)
	})
}
