// ABOUTME: Tests for the capability registry and optional-phase resolution
// ABOUTME: Optional interfaces must be bound at registration, once

package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalCapability implements only the mandatory phases.
type minimalCapability struct{}

func (minimalCapability) Precheck(ctx context.Context, job Job) (PhaseResult, error) {
	return PhaseResult{Passed: true}, nil
}

func (minimalCapability) Execute(ctx context.Context, job Job) (map[string]any, error) {
	return map[string]any{}, nil
}

// fullCapability implements every phase.
type fullCapability struct{ minimalCapability }

func (fullCapability) Snapshot(ctx context.Context, job Job) (any, error) { return "snap", nil }

func (fullCapability) Verify(ctx context.Context, job Job, result map[string]any) (PhaseResult, error) {
	return PhaseResult{Passed: true}, nil
}

func (fullCapability) Rollback(ctx context.Context, job Job, snapshot any) error { return nil }

func TestRegistry_MinimalCapabilityHasNoOptionalPhases(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register("cleanup", minimalCapability{}))

	resolved, ok := r.Resolve("cleanup")
	require.True(t, ok)
	assert.NotNil(t, resolved.Capability)
	assert.Nil(t, resolved.Snapshot)
	assert.Nil(t, resolved.Verify)
	assert.Nil(t, resolved.Rollback)
}

func TestRegistry_FullCapabilityResolvesAllPhases(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register("restore", fullCapability{}))

	resolved, ok := r.Resolve("restore")
	require.True(t, ok)
	assert.NotNil(t, resolved.Snapshot)
	assert.NotNil(t, resolved.Verify)
	assert.NotNil(t, resolved.Rollback)
}

func TestRegistry_UnknownTypeNotResolved(t *testing.T) {
	r := NewCapabilityRegistry()
	_, ok := r.Resolve("nope")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register("cleanup", minimalCapability{}))
	assert.Error(t, r.Register("cleanup", fullCapability{}))
}

func TestRegistry_TypesListsRegisteredTags(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register("cleanup", minimalCapability{}))
	require.NoError(t, r.Register("healthcheck", minimalCapability{}))

	assert.ElementsMatch(t, []string{"cleanup", "healthcheck"}, r.Types())
}
