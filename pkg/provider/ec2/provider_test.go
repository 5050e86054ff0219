package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/provider"
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

type fakeEC2 struct {
	mu         sync.Mutex
	runs       []*ec2.RunInstancesInput
	terminated []string
	instances  map[string]string // agent name -> instance id
	runErr     error
}

func newFakeEC2() *fakeEC2 { return &fakeEC2{instances: make(map[string]string)} }

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs = append(f.runs, in)
	id := fmt.Sprintf("i-%04d", len(f.runs))
	for _, tag := range in.TagSpecifications[0].Tags {
		if aws.ToString(tag.Key) == TagAgent {
			f.instances[aws.ToString(tag.Value)] = id
		}
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String(id)}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, in.InstanceIds...)
	for name, id := range f.instances {
		for _, t := range in.InstanceIds {
			if t == id {
				delete(f.instances, name)
			}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var agentName string
	for _, flt := range in.Filters {
		if aws.ToString(flt.Name) == "tag:"+TagAgent {
			agentName = flt.Values[0]
		}
	}
	id, ok := f.instances[agentName]
	if !ok {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{InstanceId: aws.String(id)}},
	}}}, nil
}

type fakeIMDS struct {
	region string
	err    error
}

func (f fakeIMDS) GetRegion(ctx context.Context, _ *imds.GetRegionInput, _ ...func(*imds.Options)) (*imds.GetRegionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imds.GetRegionOutput{Region: f.region}, nil
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{ImageID: "ami-1"}, false},
		{"missing image", Config{}, true},
		{"half credentials", Config{ImageID: "ami-1", AccessKeyID: "AKIA"}, true},
		{"full credentials", Config{ImageID: "ami-1", AccessKeyID: "AKIA", SecretAccessKey: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateAgent(t *testing.T) {
	fake := newFakeEC2()
	p := newProvider(fake, Config{
		ImageID:          "ami-1",
		SubnetID:         "subnet-1",
		SecurityGroupIDs: []string{"sg-1"},
		InstanceProfile:  "agent",
		UserData:         "#!/bin/sh\nccplane-agent --zone {{zone}} --name {{agent}}\n",
		Tags:             map[string]string{"team": "ci"},
	}, nil)

	h, err := p.CreateAgent(context.Background(), "linux")
	require.NoError(t, err)
	assert.Equal(t, "linux", h.Zone)
	assert.Regexp(t, `^ec2-[0-9a-f]{8}$`, h.Name)
	assert.Equal(t, "i-0001", h.InstanceID)

	require.Len(t, fake.runs, 1)
	in := fake.runs[0]
	assert.Equal(t, types.InstanceType(DefaultInstanceType), in.InstanceType)
	assert.Equal(t, "subnet-1", aws.ToString(in.SubnetId))
	assert.Equal(t, []string{"sg-1"}, in.SecurityGroupIds)
	assert.Equal(t, "agent", aws.ToString(in.IamInstanceProfile.Name))
	assert.Equal(t, h.Name, aws.ToString(in.ClientToken))

	script, err := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nccplane-agent --zone linux --name "+h.Name+"\n", string(script))

	tags := map[string]string{}
	for _, tag := range in.TagSpecifications[0].Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, "ci", tags["team"])
	assert.Equal(t, "linux", tags[TagZone])
	assert.Equal(t, h.Name, tags[TagAgent])
}

func TestTerminateAgent(t *testing.T) {
	fake := newFakeEC2()
	p := newProvider(fake, Config{ImageID: "ami-1"}, nil)
	ctx := context.Background()

	h, err := p.CreateAgent(ctx, "linux")
	require.NoError(t, err)
	require.NoError(t, p.TerminateAgent(ctx, "linux", h.Name))
	assert.Equal(t, []string{h.InstanceID}, fake.terminated)

	err = p.TerminateAgent(ctx, "linux", h.Name)
	assert.True(t, provider.IsNotFound(err))
}

func TestCreateAgentError(t *testing.T) {
	fake := newFakeEC2()
	fake.runErr = &mockAPIError{code: "InsufficientInstanceCapacity"}
	p := newProvider(fake, Config{ImageID: "ami-1"}, nil)

	_, err := p.CreateAgent(context.Background(), "linux")
	require.Error(t, err)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "CreateAgent", perr.Op)
	assert.Equal(t, provider.ProviderEC2, perr.Provider)
	assert.True(t, provider.IsQuotaExceeded(err))
}

func TestWrapError(t *testing.T) {
	p := newProvider(newFakeEC2(), Config{ImageID: "ami-1"}, nil)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &mockAPIError{code: "InvalidInstanceID.NotFound"}, provider.ErrNotFound},
		{"instance limit", &mockAPIError{code: "InstanceLimitExceeded"}, provider.ErrQuotaExceeded},
		{"vcpu limit", &mockAPIError{code: "VcpuLimitExceeded"}, provider.ErrQuotaExceeded},
		{"unauthorized", &mockAPIError{code: "UnauthorizedOperation"}, provider.ErrAccessDenied},
		{"auth failure", &mockAPIError{code: "AuthFailure"}, provider.ErrInvalidCredentials},
		{"throttled", &mockAPIError{code: "RequestLimitExceeded"}, provider.ErrThrottled},
		{"unavailable", &mockAPIError{code: "Unavailable"}, provider.ErrProviderUnavailable},
		{"wrapped", fmt.Errorf("op: %w", &mockAPIError{code: "Throttling"}), provider.ErrThrottled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.wrapError("CreateAgent", "z", "a", tt.err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("boom")
	assert.ErrorIs(t, p.wrapError("CreateAgent", "z", "a", plain), plain)
}

func TestMetadataRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", metadataRegion(context.Background(), fakeIMDS{region: "eu-west-1"}))
	assert.Equal(t, "", metadataRegion(context.Background(), fakeIMDS{err: errors.New("no imds")}))
}

func TestRenderUserData(t *testing.T) {
	assert.Equal(t, "", renderUserData("  ", "z", "a"))
	got, err := base64.StdEncoding.DecodeString(renderUserData("{{zone}}/{{agent}}", "z", "a"))
	require.NoError(t, err)
	assert.Equal(t, "z/a", string(got))
}
