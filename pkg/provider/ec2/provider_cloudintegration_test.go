//go:build cloudintegration

package ec2_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/provider"
	"github.com/3leaps/ccplane/pkg/provider/ec2"
	"github.com/3leaps/ccplane/test/cloudtest"
)

func TestProvider_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p, err := ec2.New(ctx, ec2.Config{
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ImageID:         "ami-12c6146b",
		InstanceType:    "t2.micro",
		UserData:        "#!/bin/sh\necho {{agent}}\n",
	}, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	h, err := p.CreateAgent(ctx, "itest")
	require.NoError(t, err)
	assert.NotEmpty(t, h.InstanceID)

	require.NoError(t, p.TerminateAgent(ctx, "itest", h.Name))
	err = p.TerminateAgent(ctx, "itest", h.Name)
	assert.True(t, provider.IsNotFound(err), "terminated instance should not be found again: %v", err)
}
