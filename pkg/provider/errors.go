package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the requested agent machine does not exist.
	ErrNotFound = errors.New("agent not found")

	// ErrUnknownProvider indicates a zone refers to an unregistered provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrQuotaExceeded indicates the account cannot launch more capacity.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrProvisioningFailure indicates provisioning kept failing past the retry cap.
	ErrProvisioningFailure = errors.New("provisioning failure")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "CreateAgent").
	Op string

	// Provider is the provider type (e.g., "ec2").
	Provider ProviderType

	// Zone is the zone name, if applicable.
	Zone string

	// Agent is the agent name, if applicable.
	Agent string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Zone, e.Agent, e.Err)
	}
	if e.Zone != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Zone, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an agent was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsQuotaExceeded returns true if the error indicates exhausted capacity quota.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsProviderUnavailable returns true if the error indicates the provider service is unavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsTransient returns true for errors worth retrying with backoff.
func IsTransient(err error) bool {
	return IsThrottled(err) || IsProviderUnavailable(err)
}
