// Package engine implements the durable pipeline execution orchestrator:
// the state machine, node dispatch loop, preflight gate, branch evaluation,
// signal gateway, and pause timers.
package engine

import (
	"errors"
	"fmt"
)

// TransientError marks a step failure as retryable (network, rate limit,
// timeout). Retries are local to the dispatch loop; once attempts exhaust the
// error is treated as fatal.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError marks a step failure as permanent; the execution fails
// immediately without retries.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// BranchNoMatchError is returned when a branch node matches no rule and has
// no default. This is a deliberate hard failure, not a silent skip.
type BranchNoMatchError struct {
	NodeID string
}

func (e *BranchNoMatchError) Error() string {
	return fmt.Sprintf("no matching branch at node %s and no default", e.NodeID)
}

// PauseExpiredError is returned when a pause deadline elapses without a
// signal and the node does not auto-resolve on expiry.
type PauseExpiredError struct {
	NodeID string
	Kind   string
}

func (e *PauseExpiredError) Error() string {
	return fmt.Sprintf("%s pause at node %s expired without a decision", e.Kind, e.NodeID)
}

// RejectedDecisionError is returned when an approval or signature signal
// carries a rejecting decision.
type RejectedDecisionError struct {
	NodeID string
	Status string
	Reason string
}

func (e *RejectedDecisionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("decision %q at node %s: %s", e.Status, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("decision %q at node %s", e.Status, e.NodeID)
}

// ResolutionError is returned by a ParameterResolver when a node's declared
// parameters cannot be expanded against the execution context.
type ResolutionError struct {
	NodeID string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve parameters for node %s: %v", e.NodeID, e.Err)
}
func (e *ResolutionError) Unwrap() error { return e.Err }
