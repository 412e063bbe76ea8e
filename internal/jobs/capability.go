// ABOUTME: Capability interface for pluggable job-type business logic
// ABOUTME: Optional phases are resolved once at registration, not probed per job

package jobs

import (
	"context"
	"fmt"
	"sync"
)

// PhaseResult is the outcome of a precheck or verify phase.
type PhaseResult struct {
	Passed bool
	Reason string
}

// Capability implements one job type's business logic. Precheck and Execute
// are mandatory; a capability opts into the remaining phases by also
// implementing Snapshotter, Verifier, and/or Rollbacker.
//
// Capabilities are stateless or own their resources independently of any
// job's lifetime; the executor holds a resolved capability only for the
// duration of a single job.
type Capability interface {
	// Precheck validates that the operation can run at all. A not-passed
	// result fails the job before any other phase runs.
	Precheck(ctx context.Context, job Job) (PhaseResult, error)

	// Execute performs the operation and returns its result payload.
	Execute(ctx context.Context, job Job) (map[string]any, error)
}

// Snapshotter captures pre-execution state to support rollback. The snapshot
// is held in memory for the job's duration only. A capability that implements
// Snapshotter declares the snapshot mandatory: snapshot failure fails the job.
type Snapshotter interface {
	Snapshot(ctx context.Context, job Job) (any, error)
}

// Verifier checks the execute result. A not-passed result triggers rollback
// when a snapshot exists and the capability implements Rollbacker.
type Verifier interface {
	Verify(ctx context.Context, job Job, result map[string]any) (PhaseResult, error)
}

// Rollbacker restores the state captured by Snapshot.
type Rollbacker interface {
	Rollback(ctx context.Context, job Job, snapshot any) error
}

// Resolved is a capability with its optional phases bound at registration
// time, so the executor's branching is static rather than probed per job.
type Resolved struct {
	Capability Capability
	Snapshot   Snapshotter // nil when the capability has no snapshot phase
	Verify     Verifier    // nil when the capability has no verify phase
	Rollback   Rollbacker  // nil when the capability has no rollback phase
}

// Registry maps job type tags to resolved capabilities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Resolved
}

// NewCapabilityRegistry creates an empty capability registry.
func NewCapabilityRegistry() *Registry {
	return &Registry{entries: make(map[string]Resolved)}
}

// Register binds a capability to a job type tag. The optional phase
// interfaces are resolved here, once.
func (r *Registry) Register(jobType string, c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[jobType]; exists {
		return fmt.Errorf("job type %q already registered", jobType)
	}

	entry := Resolved{Capability: c}
	if s, ok := c.(Snapshotter); ok {
		entry.Snapshot = s
	}
	if v, ok := c.(Verifier); ok {
		entry.Verify = v
	}
	if rb, ok := c.(Rollbacker); ok {
		entry.Rollback = rb
	}
	r.entries[jobType] = entry
	return nil
}

// Resolve returns the capability bound to a job type.
func (r *Registry) Resolve(jobType string) (Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[jobType]
	return entry, ok
}

// Types returns all registered job type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
