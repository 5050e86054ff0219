package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/provider"
)

// ec2API is the subset of the EC2 client the provider calls.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Provider implements provider.Provider on EC2.
type Provider struct {
	client ec2API
	cfg    Config
	logger *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates an EC2 provider.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderEC2, Err: err}
	}
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newProvider(client, cfg, logger), nil
}

func newProvider(client ec2API, cfg Config, logger *zap.Logger) *Provider {
	if cfg.InstanceType == "" {
		cfg.InstanceType = DefaultInstanceType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: client, cfg: cfg, logger: logger.Named("provider.ec2")}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = metadataRegion(ctx, imds.NewFromConfig(awsCfg))
	}
	if awsCfg.Region == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// regionGetter is implemented by *imds.Client.
type regionGetter interface {
	GetRegion(ctx context.Context, in *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

// metadataRegion asks instance metadata for the region, returning "" when
// not running on EC2.
func metadataRegion(ctx context.Context, client regionGetter) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out == nil {
		return ""
	}
	return out.Region
}

func (p *Provider) Name() string { return string(provider.ProviderEC2) }

func (p *Provider) Close() error { return nil }

// CreateAgent launches one instance tagged with the zone and agent name.
// The agent registers presence itself once booted.
func (p *Provider) CreateAgent(ctx context.Context, zone string) (*provider.AgentHandle, error) {
	name := "ec2-" + uuid.NewString()[:8]
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(p.cfg.ImageID),
		InstanceType:      types.InstanceType(p.cfg.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		ClientToken:       aws.String(name),
		TagSpecifications: []types.TagSpecification{{ResourceType: types.ResourceTypeInstance, Tags: p.tags(zone, name)}},
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}
	if p.cfg.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(p.cfg.InstanceProfile)}
	}
	if ud := renderUserData(p.cfg.UserData, zone, name); ud != "" {
		input.UserData = aws.String(ud)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, p.wrapError("CreateAgent", zone, name, err)
	}
	if len(out.Instances) == 0 {
		return nil, p.wrapError("CreateAgent", zone, name, fmt.Errorf("no instance returned"))
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	p.logger.Info("Instance launched", zap.String("zone", zone), zap.String("agent", name), zap.String("instance_id", id))
	return &provider.AgentHandle{Zone: zone, Name: name, InstanceID: id}, nil
}

// TerminateAgent terminates every live instance tagged with the agent name.
func (p *Provider) TerminateAgent(ctx context.Context, zone, name string) error {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagZone), Values: []string{zone}},
			{Name: aws.String("tag:" + TagAgent), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return p.wrapError("TerminateAgent", zone, name, err)
	}
	var ids []string
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	if len(ids) == 0 {
		return p.wrapError("TerminateAgent", zone, name, provider.ErrNotFound)
	}
	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return p.wrapError("TerminateAgent", zone, name, err)
	}
	p.logger.Info("Instance terminated", zap.String("zone", zone), zap.String("agent", name), zap.Strings("instance_ids", ids))
	return nil
}

func (p *Provider) tags(zone, name string) []types.Tag {
	keys := make([]string, 0, len(p.cfg.Tags))
	for k := range p.cfg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys)+3)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(p.cfg.Tags[k])})
	}
	return append(tags,
		types.Tag{Key: aws.String(TagZone), Value: aws.String(zone)},
		types.Tag{Key: aws.String(TagAgent), Value: aws.String(name)},
		types.Tag{Key: aws.String(TagName), Value: aws.String("ccplane-" + zone + "-" + name)},
	)
}

// renderUserData substitutes placeholders and base64-encodes the script.
func renderUserData(tmpl, zone, name string) string {
	if strings.TrimSpace(tmpl) == "" {
		return ""
	}
	script := strings.NewReplacer("{{zone}}", zone, "{{agent}}", name).Replace(tmpl)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// wrapError converts EC2 errors to provider errors with appropriate sentinel errors.
func (p *Provider) wrapError(op, zone, name string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderEC2, Zone: zone, Agent: name, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound":
			wrapped.Err = provider.ErrNotFound
		case "InstanceLimitExceeded", "VcpuLimitExceeded", "InsufficientInstanceCapacity":
			wrapped.Err = provider.ErrQuotaExceeded
		case "UnauthorizedOperation", "AccessDenied":
			wrapped.Err = provider.ErrAccessDenied
		case "AuthFailure", "InvalidClientTokenId":
			wrapped.Err = provider.ErrInvalidCredentials
		case "RequestLimitExceeded", "Throttling":
			wrapped.Err = provider.ErrThrottled
		case "Unavailable", "ServiceUnavailable", "InternalError":
			wrapped.Err = provider.ErrProviderUnavailable
		}
	}
	return wrapped
}
