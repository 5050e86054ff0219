// Package ec2 provisions agents as EC2 instances.
package ec2

import "strings"

// Tag keys written on every instance.
const (
	TagZone  = "ccplane:zone"
	TagAgent = "ccplane:agent"
	TagName  = "Name"
)

// DefaultAWSRegion is the fallback when neither config, environment nor
// instance metadata yield a region.
const DefaultAWSRegion = "us-east-1"

// DefaultInstanceType is used when InstanceType is empty.
const DefaultInstanceType = "t3.medium"

// Config configures an EC2 provider.
//
// Credentials follow the AWS SDK v2 default chain (environment, shared
// config, instance role) unless AccessKeyID and SecretAccessKey are set.
type Config struct {
	// Region is the AWS region. When empty the SDK chain is consulted, then
	// instance metadata, then DefaultAWSRegion.
	Region string

	// Endpoint overrides the EC2 endpoint, e.g. for a local emulator.
	Endpoint string

	Profile         string
	AccessKeyID     string
	SecretAccessKey string

	// ImageID is the agent AMI (required).
	ImageID string

	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
	InstanceProfile  string

	// UserData is the boot script. The placeholders {{zone}} and {{agent}}
	// are replaced with the zone and agent name before launch.
	UserData string

	// Tags are added to every instance.
	Tags map[string]string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ImageID) == "" {
		return &ConfigError{Field: "ImageID", Message: "image id is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "ec2 config: " + e.Field + ": " + e.Message
}
