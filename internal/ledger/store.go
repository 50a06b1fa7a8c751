// Package ledger provides durable state for pipeline executions: execution
// rows, step records, pause requests, per-execution leases, and the ordered
// event stream. The ledger, not in-memory state, is ground truth for
// resumability.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/docflow/pkg/types"
)

// Common errors returned by Ledger implementations.
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrPauseNotFound      = errors.New("pause request not found")
	ErrExecutionTerminal  = errors.New("execution already terminal")
	ErrLeaseHeld          = errors.New("lease held by another owner")
)

// Ledger defines the interface for execution state persistence and event
// streaming. Implementations must be safe for concurrent use and must make
// each commit method atomic: either every row in the commit lands or none.
type Ledger interface {
	// Definitions (shared, read-only to the engine, outlive executions)
	PutDefinition(ctx context.Context, def *types.PipelineDefinition) error
	GetDefinition(ctx context.Context, id string) (*types.PipelineDefinition, error)
	ListDefinitions(ctx context.Context) ([]string, error)

	// Execution lifecycle
	CreateExecution(ctx context.Context, exec *types.PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*types.PipelineExecution, error)
	ListExecutions(ctx context.Context) ([]string, error)
	// UpdateExecution persists the execution row. Returns
	// ErrExecutionTerminal if the stored row is already terminal.
	UpdateExecution(ctx context.Context, exec *types.PipelineExecution) error
	// RequestCancel durably sets the cancellation flag on the stored row.
	// The flag is sticky: a later write-back through UpdateExecution,
	// CommitStep, or CommitPause from a caller holding a stale row copy
	// cannot clear it.
	RequestCancel(ctx context.Context, execID, reason string) error

	// Step records. CommitStep writes the step record and the execution row
	// in one atomic operation so a crash between the two cannot happen.
	GetStepRecord(ctx context.Context, execID, nodeID string) (*types.StepRecord, error)
	ListStepRecords(ctx context.Context, execID string) ([]*types.StepRecord, error)
	CommitStep(ctx context.Context, exec *types.PipelineExecution, rec *types.StepRecord) error

	// Pause requests. CommitPause writes the paused execution row and the
	// pause request atomically. ResolvePause marks the pause resolved with
	// the given resolution payload exactly once; the second return value is
	// false when the pause was already resolved (idempotent delivery).
	CommitPause(ctx context.Context, exec *types.PipelineExecution, pause *types.PauseRequest) error
	GetPause(ctx context.Context, execID string) (*types.PauseRequest, error)
	ResolvePause(ctx context.Context, execID string, resolution map[string]interface{}) (*types.PauseRequest, bool, error)
	// ListOpenPauses returns unresolved pause requests, for timer
	// rehydration after a restart.
	ListOpenPauses(ctx context.Context) ([]*types.PauseRequest, error)

	// Leases serialize dispatch per execution: at most one holder at any
	// instant. AcquireLease returns false without error when the lease is
	// held by someone else.
	AcquireLease(ctx context.Context, execID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, execID, owner string) error

	// Event streaming. AppendEvent assigns a monotonically increasing id
	// per execution and fans the event out to subscribers.
	AppendEvent(ctx context.Context, execID string, input *types.EventInput) (*types.Event, error)
	GetEventsSince(ctx context.Context, execID string, lastEventID string) ([]*types.Event, error)
	// Subscribe returns a channel that receives new events for the
	// execution. The cleanup function must be called when done.
	Subscribe(ctx context.Context, execID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// mergeCancel carries a previously stored cancellation flag into an incoming
// row write. A dispatcher writes back whole rows from its own copy; without
// the merge, a cancel requested while a step was in flight would be lost.
func mergeCancel(stored, incoming *types.PipelineExecution) {
	if stored.CancelRequested && !incoming.CancelRequested {
		incoming.CancelRequested = true
		incoming.CancelReason = stored.CancelReason
	}
}

// Config holds configuration for Ledger implementations.
type Config struct {
	// EventMaxLen caps events kept per execution (ring buffer).
	EventMaxLen int64

	// TTL for finished executions (0 = no expiry).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for Ledger configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}
