package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name     string
	closeErr error
	closed   bool
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) CreateAgent(ctx context.Context, zone string) (*AgentHandle, error) {
	return &AgentHandle{Zone: zone, Name: "a"}, nil
}
func (s *stubProvider) TerminateAgent(ctx context.Context, zone, name string) error { return nil }
func (s *stubProvider) Close() error {
	s.closed = true
	return s.closeErr
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &stubProvider{name: "a"}
	b := &stubProvider{name: "b", closeErr: errors.New("boom")}

	require.NoError(t, r.Register("b", b))
	require.NoError(t, r.Register("a", a))
	assert.Error(t, r.Register("a", a))
	assert.Error(t, r.Register(" ", a))
	assert.Error(t, r.Register("nil", nil))

	assert.Equal(t, []string{"a", "b"}, r.Names())

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.EqualError(t, r.Close(), "boom")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  *ProviderError
		want string
	}{
		{"agent", &ProviderError{Op: "TerminateAgent", Provider: ProviderEC2, Zone: "z1", Agent: "a", Err: ErrNotFound}, "ec2 TerminateAgent: z1/a: agent not found"},
		{"zone", &ProviderError{Op: "CreateAgent", Provider: ProviderEC2, Zone: "z1", Err: ErrThrottled}, "ec2 CreateAgent: z1: request throttled"},
		{"bare", &ProviderError{Op: "New", Provider: ProviderLocal, Err: ErrAccessDenied}, "local New: access denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorClassification(t *testing.T) {
	wrap := func(err error) error {
		return fmt.Errorf("outer: %w", &ProviderError{Op: "CreateAgent", Provider: ProviderEC2, Err: err})
	}

	assert.True(t, IsThrottled(wrap(ErrThrottled)))
	assert.True(t, IsProviderUnavailable(wrap(ErrProviderUnavailable)))
	assert.True(t, IsQuotaExceeded(wrap(ErrQuotaExceeded)))
	assert.True(t, IsNotFound(wrap(ErrNotFound)))
	assert.True(t, IsAccessDenied(wrap(ErrAccessDenied)))
	assert.True(t, IsInvalidCredentials(wrap(ErrInvalidCredentials)))

	assert.True(t, IsTransient(wrap(ErrThrottled)))
	assert.True(t, IsTransient(wrap(ErrProviderUnavailable)))
	assert.False(t, IsTransient(wrap(ErrQuotaExceeded)))
	assert.False(t, IsTransient(errors.New("plain")))
}
