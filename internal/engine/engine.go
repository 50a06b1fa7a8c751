package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/docflow/internal/artifact"
	"github.com/flexinfer/docflow/internal/ledger"
	"github.com/flexinfer/docflow/internal/metrics"
	"github.com/flexinfer/docflow/internal/validator"
	"github.com/flexinfer/docflow/pkg/types"
)

// Config holds engine tuning knobs.
type Config struct {
	// DefaultStepTimeout bounds a single executor call (default: 60s).
	DefaultStepTimeout time.Duration

	// DefaultMaxRetries is the retry budget for transient step errors
	// (default: 3).
	DefaultMaxRetries int

	// BackoffBase is the initial retry backoff (default: 2s); doubles per
	// attempt up to BackoffCap (default: 60s).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DefaultPauseTTL applies when a pausing node sets no expiry
	// (default: 72h).
	DefaultPauseTTL time.Duration

	// LeaseTTL bounds how long a dispatch may hold an execution's exclusive
	// lease before it is considered abandoned (default: 5m).
	LeaseTTL time.Duration

	// InlineSnapshotLimit is the max output snapshot size kept inline in the
	// ledger; larger snapshots offload to the artifact store when one is
	// configured (0 = never offload).
	InlineSnapshotLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultStepTimeout:  60 * time.Second,
		DefaultMaxRetries:   3,
		BackoffBase:         2 * time.Second,
		BackoffCap:          60 * time.Second,
		DefaultPauseTTL:     72 * time.Hour,
		LeaseTTL:            5 * time.Minute,
		InlineSnapshotLimit: 64 * 1024,
	}
}

// Engine drives pipeline executions through their node graph: dispatch,
// branch evaluation, pause/resume, retry, completion. Each execution is a
// single logical actor; the ledger lease guarantees at most one dispatch in
// flight per execution at any instant.
type Engine struct {
	ledger    ledger.Ledger
	registry  *Registry
	resolver  ParameterResolver
	validator *validator.Validator
	artifacts artifact.Store
	exprEval  *ExprEvaluator
	timers    *TimerService
	cfg       *Config
	logger    *slog.Logger
	tracer    trace.Tracer

	// owner identifies this process as a lease holder.
	owner string
}

// New creates an engine. validator and artifacts may be nil.
func New(led ledger.Ledger, reg *Registry, resolver ParameterResolver, v *validator.Validator, artifacts artifact.Store, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if resolver == nil {
		resolver = MapResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ledger:    led,
		registry:  reg,
		resolver:  resolver,
		validator: v,
		artifacts: artifacts,
		exprEval:  NewExprEvaluator(),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("docflow/engine"),
		owner:     uuid.New().String(),
	}
	e.timers = NewTimerService(e.handleExpiry, logger)
	return e
}

// StartOptions tunes a single execution.
type StartOptions struct {
	// CorrelationID is an opaque tracing token propagated to every emitted
	// event. Generated when empty.
	CorrelationID string

	// StopAfterPhase bounds a partial run at a phase boundary.
	StopAfterPhase types.Phase
}

// Start creates an execution for the given definition and trigger snapshot
// and begins driving it in the background.
func (e *Engine) Start(ctx context.Context, definitionID string, trigger map[string]interface{}, opts *StartOptions) (string, error) {
	if opts == nil {
		opts = &StartOptions{}
	}
	if _, err := e.ledger.GetDefinition(ctx, definitionID); err != nil {
		return "", err
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := time.Now().UTC()
	exec := &types.PipelineExecution{
		ID:             uuid.New().String(),
		DefinitionID:   definitionID,
		Status:         types.ExecutionStatusQueued,
		TriggerData:    trigger,
		CorrelationID:  correlationID,
		StopAfterPhase: opts.StopAfterPhase,
		PhaseTimings:   make(map[types.Phase]time.Duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.ledger.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusQueued,
	})

	go e.run(exec.ID)
	return exec.ID, nil
}

// Cancel requests cooperative cancellation. An in-flight step finishes but no
// further nodes dispatch. A paused or not-yet-running execution finalizes
// immediately.
func (e *Engine) Cancel(ctx context.Context, execID, reason string) error {
	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ledger.ErrExecutionTerminal
	}

	exec.CancelRequested = true
	exec.CancelReason = reason

	switch exec.Status {
	case types.ExecutionStatusRunning:
		// Field-level write: the dispatch goroutine writes whole rows back
		// from its own copy, so the flag must be set where those writes
		// cannot clear it. The loop consults it at the next node boundary.
		return e.ledger.RequestCancel(ctx, execID, reason)
	default:
		// queued, needs_review, paused: nothing is in flight, finalize now.
		if exec.Status == types.ExecutionStatusPaused {
			if _, _, err := e.ledger.ResolvePause(ctx, execID, map[string]interface{}{"status": "canceled"}); err != nil && !errors.Is(err, ledger.ErrPauseNotFound) {
				return err
			}
			e.timers.Cancel(execID)
			metrics.PausesActive.Dec()
		}
		return e.finalizeCanceled(ctx, exec)
	}
}

// ResumeAfterReview re-runs preflight with corrected input for an execution
// stopped at the review gate.
func (e *Engine) ResumeAfterReview(ctx context.Context, execID string, corrected map[string]interface{}) error {
	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status != types.ExecutionStatusNeedsReview {
		return fmt.Errorf("execution %s is %s, not awaiting review", execID, exec.Status)
	}

	if exec.TriggerData == nil {
		exec.TriggerData = make(map[string]interface{})
	}
	for k, v := range corrected {
		exec.TriggerData[k] = v
	}
	exec.Status = types.ExecutionStatusQueued
	exec.ReviewIssues = nil
	if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusQueued,
		Data:   map[string]interface{}{"resumed_after_review": true},
	})

	go e.run(execID)
	return nil
}

// ErrSignalMismatch is returned when a delivered signal does not match the
// pause's expected signal kind.
var ErrSignalMismatch = errors.New("signal kind does not match outstanding pause")

// Signal delivers an external decision for a paused execution. Safe to call
// more than once with the same logical event: delivery to an already resolved
// pause, or to a terminal execution, is a no-op that succeeds.
func (e *Engine) Signal(ctx context.Context, execID, signalKind string, payload map[string]interface{}) error {
	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	pause, err := e.ledger.GetPause(ctx, execID)
	if err != nil {
		if errors.Is(err, ledger.ErrPauseNotFound) {
			metrics.SignalsTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("execution %s has no outstanding pause", execID)
		}
		return err
	}
	if pause.Resolved {
		metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	if signalKind != pause.ExpectedSignal {
		metrics.SignalsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: got %q, want %q", ErrSignalMismatch, signalKind, pause.ExpectedSignal)
	}

	pause, won, err := e.ledger.ResolvePause(ctx, execID, payload)
	if err != nil {
		return err
	}
	if !won {
		metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	e.timers.Cancel(execID)
	metrics.PausesActive.Dec()

	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeSignalReceived,
		NodeID: pause.NodeID,
		Data:   map[string]interface{}{"signal": signalKind, "payload": payload},
	})
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypePauseResolved,
		NodeID: pause.NodeID,
	})

	status := toString(payload["status"])
	if rejectingDecision(status) {
		metrics.SignalsTotal.WithLabelValues("rejected_decision").Inc()
		go e.failFromPause(execID, pause, &RejectedDecisionError{
			NodeID: pause.NodeID,
			Status: status,
			Reason: toString(payload["reason"]),
		})
		return nil
	}

	metrics.SignalsTotal.WithLabelValues("resumed").Inc()
	go e.resumeFromPause(execID, pause, payload)
	return nil
}

// rejectingDecision reports whether a decision status means the approver or
// signer turned the request down.
func rejectingDecision(status string) bool {
	switch status {
	case "rejected", "declined", "denied", "refused":
		return true
	}
	return false
}

// handleExpiry fires when a pause deadline elapses with no signal. It is the
// synthetic "expired" signal.
func (e *Engine) handleExpiry(execID string) {
	ctx := context.Background()

	pause, won, err := e.ledger.ResolvePause(ctx, execID, map[string]interface{}{"status": "expired"})
	if err != nil {
		if !errors.Is(err, ledger.ErrPauseNotFound) {
			e.logger.Error("resolve expired pause", "execution_id", execID, "error", err)
		}
		return
	}
	if !won {
		return
	}
	metrics.PausesActive.Dec()

	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		e.logger.Error("load execution for expiry", "execution_id", execID, "error", err)
		return
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypePauseExpired,
		NodeID: pause.NodeID,
	})

	if pause.AutoResolve {
		// Timeout is an implicit favorable decision for this node.
		metrics.PauseExpiriesTotal.WithLabelValues("auto_resolved").Inc()
		e.resumeFromPause(execID, pause, map[string]interface{}{
			"status":  "auto_resolved",
			"expired": true,
		})
		return
	}
	metrics.PauseExpiriesTotal.WithLabelValues("failed").Inc()
	e.failFromPause(execID, pause, &PauseExpiredError{NodeID: pause.NodeID, Kind: string(pause.Kind)})
}

// Recover reattaches non-terminal executions after a restart: running and
// queued executions re-enter the dispatch loop, pause timers are re-armed.
// A step already marked terminal-succeeded is never re-invoked.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate timers: %w", err)
	}

	ids, err := e.ledger.ListExecutions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		exec, err := e.ledger.GetExecution(ctx, id)
		if err != nil {
			e.logger.Error("recover: load execution", "execution_id", id, "error", err)
			continue
		}
		switch exec.Status {
		case types.ExecutionStatusQueued, types.ExecutionStatusRunning:
			e.logger.Info("recovering execution",
				slog.String("execution_id", id),
				slog.String("status", string(exec.Status)),
				slog.String("current_node", exec.CurrentNodeID),
			)
			go e.run(id)
		}
	}
	return nil
}

// run drives one execution under its exclusive lease until it pauses,
// reaches a terminal state, or the lease is lost.
func (e *Engine) run(execID string) {
	ctx := context.Background()

	ok, err := e.ledger.AcquireLease(ctx, execID, e.owner, e.cfg.LeaseTTL)
	if err != nil {
		e.logger.Error("acquire lease", "execution_id", execID, "error", err)
		return
	}
	if !ok {
		// Another worker holds this execution.
		return
	}
	defer func() {
		if err := e.ledger.ReleaseLease(ctx, execID, e.owner); err != nil {
			e.logger.Error("release lease", "execution_id", execID, "error", err)
		}
	}()

	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		e.logger.Error("load execution", "execution_id", execID, "error", err)
		return
	}
	if exec.Status.Terminal() {
		return
	}

	def, err := e.ledger.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		e.fail(ctx, exec, nil, &types.ExecError{
			Human: "The pipeline definition for this execution no longer exists.",
			Tech:  err.Error(),
			Code:  "definition_missing",
		})
		return
	}

	if exec.Status == types.ExecutionStatusQueued {
		if !e.runPreflight(ctx, exec, def) {
			return
		}
	}

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()

	e.dispatchLoop(ctx, exec, def)
}

// runPreflight transitions queued -> running through the validation gate.
// Returns false when the execution stopped (needs_review or error).
func (e *Engine) runPreflight(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition) bool {
	started := time.Now()
	issues := e.Preflight(def, exec.TriggerData)
	e.recordPhase(exec, types.PhasePreflight, time.Since(started))

	for _, issue := range issues {
		metrics.PreflightIssuesTotal.WithLabelValues(issue.Domain, string(issue.Severity)).Inc()
	}
	e.emit(ctx, exec, &types.EventInput{
		Type: types.EventTypePreflight,
		Data: map[string]interface{}{"issues": issues},
	})

	if hasBlocking(issues) {
		exec.Status = types.ExecutionStatusNeedsReview
		exec.ReviewIssues = issues
		if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
			e.logger.Error("persist needs_review", "execution_id", exec.ID, "error", err)
			return false
		}
		e.emit(ctx, exec, &types.EventInput{
			Type:   types.EventTypeExecutionStatus,
			Status: types.ExecutionStatusNeedsReview,
			Data:   map[string]interface{}{"issues": issues},
		})
		return false
	}

	now := time.Now().UTC()
	exec.Status = types.ExecutionStatusRunning
	exec.StartedAt = &now
	exec.ReviewIssues = issues // warnings only, carried as annotations
	entry := def.EntryNode()
	exec.CurrentNodeID = entry.ID
	if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("persist running", "execution_id", exec.ID, "error", err)
		return false
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusRunning,
	})
	return true
}

// dispatchLoop walks nodes from current_node_id until the execution pauses
// or terminates. All state transitions persist before the next node's side
// effects are attempted; that makes crash recovery a pure replay.
func (e *Engine) dispatchLoop(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition) {
	for exec.Status == types.ExecutionStatusRunning {
		// Reload to pick up cooperative cancellation between boundaries.
		fresh, err := e.ledger.GetExecution(ctx, exec.ID)
		if err != nil {
			e.logger.Error("reload execution", "execution_id", exec.ID, "error", err)
			return
		}
		exec.CancelRequested = fresh.CancelRequested
		exec.CancelReason = fresh.CancelReason
		if exec.CancelRequested {
			if err := e.finalizeCanceled(ctx, exec); err != nil {
				e.logger.Error("finalize canceled", "execution_id", exec.ID, "error", err)
			}
			return
		}

		node := def.NodeByID(exec.CurrentNodeID)
		if node == nil {
			e.fail(ctx, exec, nil, &types.ExecError{
				Human: "The execution points at a node that is not in the pipeline definition.",
				Tech:  fmt.Sprintf("current_node_id %q not found in definition %s", exec.CurrentNodeID, def.ID),
				Code:  "unknown_node",
			})
			return
		}

		// Phase-bounded partial run: halt before the first node past the
		// boundary, with no side effects beyond it.
		if exec.StopAfterPhase != "" && node.Phase != "" && types.PhaseAfter(node.Phase, exec.StopAfterPhase) {
			exec.PartialPhase = exec.StopAfterPhase
			e.complete(ctx, exec, map[string]interface{}{"partial": true, "phase": string(exec.PartialPhase)})
			return
		}

		if !e.dispatchNode(ctx, exec, def, node) {
			return
		}
	}
}

// dispatchNode executes one node. Returns false when the loop must stop
// (pause, terminal state, or persistence error).
func (e *Engine) dispatchNode(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition, node *types.Node) bool {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", string(node.Kind)),
		))
	defer span.End()

	started := time.Now()
	defer func() {
		if node.Phase != "" {
			e.recordPhase(exec, node.Phase, time.Since(started))
		}
	}()

	// Idempotent replay: a node whose record already succeeded is skipped
	// and its output reused.
	rec, err := e.ledger.GetStepRecord(ctx, exec.ID, node.ID)
	if err != nil {
		e.logger.Error("load step record", "execution_id", exec.ID, "node_id", node.ID, "error", err)
		return false
	}
	if rec != nil && rec.Status == types.StepStatusSucceeded {
		return e.advance(ctx, exec, def, node, rec.OutputSnapshot)
	}

	sc, err := e.stepContext(ctx, exec, node)
	if err != nil {
		e.fail(ctx, exec, nil, &types.ExecError{
			Human: "Could not assemble the execution context for this step.",
			Tech:  err.Error(),
			Code:  "context_assembly",
		})
		return false
	}

	if node.Kind == types.NodeKindBranch {
		return e.dispatchBranch(ctx, exec, def, node, sc)
	}

	executor := e.registry.Get(node.Kind)
	if executor == nil {
		e.fail(ctx, exec, nil, &types.ExecError{
			Human: fmt.Sprintf("No executor is available for %q steps.", node.Kind),
			Tech:  fmt.Sprintf("kind %q unregistered at dispatch time", node.Kind),
			Code:  "executor_missing",
		})
		return false
	}

	params, err := e.resolver.Resolve(node.Config, sc)
	if err != nil {
		now := time.Now().UTC()
		failRec := newStepRecord(exec.ID, node.ID)
		if rec != nil {
			failRec = rec
		}
		failRec.Status = types.StepStatusFailed
		failRec.ErrorHuman = "Step parameters could not be resolved."
		failRec.ErrorTech = err.Error()
		failRec.FinishedAt = &now
		e.fail(ctx, exec, failRec, &types.ExecError{
			Human: fmt.Sprintf("Parameters for step %q could not be resolved.", nodeLabel(node)),
			Tech:  err.Error(),
			Code:  "parameter_resolution",
		})
		return false
	}

	if rec == nil {
		rec = newStepRecord(exec.ID, node.ID)
	}
	rec.InputSnapshot = params

	result, await, stepErr := e.invokeWithRetry(ctx, exec, node, rec, executor, params, sc)
	if stepErr != nil {
		now := time.Now().UTC()
		rec.Status = types.StepStatusFailed
		rec.ErrorHuman = humanStepError(node, stepErr)
		rec.ErrorTech = stepErr.Error()
		rec.FinishedAt = &now
		metrics.StepsTotal.WithLabelValues(string(node.Kind), "failed").Inc()
		metrics.StepRetries.WithLabelValues("failed").Observe(float64(rec.Attempts - 1))
		e.fail(ctx, exec, rec, &types.ExecError{
			Human: humanStepError(node, stepErr),
			Tech:  stepErr.Error(),
			Code:  errorCode(stepErr),
		})
		return false
	}

	if await != nil {
		return e.pause(ctx, exec, node, rec, await)
	}

	now := time.Now().UTC()
	rec.Status = types.StepStatusSucceeded
	rec.FinishedAt = &now
	rec.ErrorHuman = ""
	rec.ErrorTech = ""
	e.storeOutput(ctx, exec, node, rec, result)
	metrics.StepsTotal.WithLabelValues(string(node.Kind), "succeeded").Inc()
	metrics.StepRetries.WithLabelValues("succeeded").Observe(float64(rec.Attempts - 1))
	metrics.StepDuration.WithLabelValues(string(node.Kind)).Observe(time.Since(started).Seconds())

	return e.advanceCommit(ctx, exec, def, node, rec)
}

// dispatchBranch evaluates a branch node and records the selection as the
// node's step record.
func (e *Engine) dispatchBranch(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition, node *types.Node, sc *StepContext) bool {
	next, err := e.evaluateBranch(node, sc)
	if err != nil {
		now := time.Now().UTC()
		rec := newStepRecord(exec.ID, node.ID)
		rec.Status = types.StepStatusFailed
		rec.ErrorHuman = humanStepError(node, err)
		rec.ErrorTech = err.Error()
		rec.FinishedAt = &now
		metrics.StepsTotal.WithLabelValues(string(node.Kind), "failed").Inc()
		e.fail(ctx, exec, rec, &types.ExecError{
			Human: humanStepError(node, err),
			Tech:  err.Error(),
			Code:  errorCode(err),
		})
		return false
	}

	now := time.Now().UTC()
	rec := newStepRecord(exec.ID, node.ID)
	rec.Status = types.StepStatusSucceeded
	rec.Attempts = 1
	rec.OutputSnapshot = map[string]interface{}{"selected": next}
	rec.StartedAt = &now
	rec.FinishedAt = &now
	metrics.StepsTotal.WithLabelValues(string(node.Kind), "succeeded").Inc()

	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeBranchSelected,
		NodeID: node.ID,
		Data:   map[string]interface{}{"selected": next},
	})

	if next == "" {
		next = def.Successor(node)
	}
	return e.advanceTo(ctx, exec, def, node, rec, next)
}

// invokeWithRetry calls the executor with a bounded timeout, retrying
// transient failures with exponential backoff. The idempotency key on the
// step context is identical across attempts.
func (e *Engine) invokeWithRetry(ctx context.Context, exec *types.PipelineExecution, node *types.Node, rec *types.StepRecord, executor Executor, params map[string]interface{}, sc *StepContext) (*Result, *Await, error) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	maxRetries := node.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	for {
		rec.Attempts++
		sc.Attempt = rec.Attempts
		if rec.StartedAt == nil {
			now := time.Now().UTC()
			rec.StartedAt = &now
		}
		rec.Status = types.StepStatusRunning
		if err := e.ledger.CommitStep(ctx, exec, rec); err != nil {
			return nil, nil, Fatal(fmt.Errorf("persist step attempt: %w", err))
		}
		e.emit(ctx, exec, &types.EventInput{
			Type:   types.EventTypeStepStatus,
			NodeID: node.ID,
			Data:   map[string]interface{}{"status": types.StepStatusRunning, "attempt": rec.Attempts},
		})

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, await, err := executor.Execute(callCtx, params, sc)
		cancel()

		if err == nil {
			return result, await, nil
		}
		// A stuck external call is a transient failure.
		if errors.Is(err, context.DeadlineExceeded) {
			err = Transient(err)
		}
		if !IsTransient(err) || rec.Attempts > maxRetries {
			return nil, nil, err
		}

		backoff := time.Duration(float64(e.cfg.BackoffBase) * math.Pow(2, float64(rec.Attempts-1)))
		if backoff > e.cfg.BackoffCap {
			backoff = e.cfg.BackoffCap
		}
		e.logger.Warn("transient step error, retrying",
			slog.String("execution_id", exec.ID),
			slog.String("node_id", node.ID),
			slog.Int("attempt", rec.Attempts),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
	}
}

// pause suspends the execution on an approval/signature node. The state
// change and the pause request land in the same ledger transaction, then the
// wake-up timer is armed and the lease released by the caller returning.
func (e *Engine) pause(ctx context.Context, exec *types.PipelineExecution, node *types.Node, rec *types.StepRecord, await *Await) bool {
	if err := e.ledger.CommitStep(ctx, exec, rec); err != nil {
		e.logger.Error("persist step before pause", "execution_id", exec.ID, "error", err)
		return false
	}

	expiresIn := await.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = node.ExpiresIn
	}
	if expiresIn <= 0 {
		expiresIn = e.cfg.DefaultPauseTTL
	}

	now := time.Now().UTC()
	pause := &types.PauseRequest{
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		Kind:           await.Kind,
		ExpectedSignal: await.ExpectedSignal,
		ExpiresAt:      now.Add(expiresIn),
		AutoResolve:    await.AutoResolve || node.AutoResolveOnExpiry,
		CreatedAt:      now,
	}

	exec.Status = types.ExecutionStatusPaused
	if err := e.ledger.CommitPause(ctx, exec, pause); err != nil {
		e.logger.Error("persist pause", "execution_id", exec.ID, "error", err)
		return false
	}
	metrics.PausesActive.Inc()

	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypePauseCreated,
		NodeID: node.ID,
		Data: map[string]interface{}{
			"kind":            pause.Kind,
			"expected_signal": pause.ExpectedSignal,
			"expires_at":      pause.ExpiresAt,
		},
	})
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusPaused,
	})

	e.timers.Schedule(exec.ID, pause.ExpiresAt)
	return false
}

// resumeFromPause completes the paused node favorably and re-enters the
// dispatch loop under a fresh lease.
func (e *Engine) resumeFromPause(execID string, pause *types.PauseRequest, payload map[string]interface{}) {
	ctx := context.Background()

	ok, err := e.ledger.AcquireLease(ctx, execID, e.owner, e.cfg.LeaseTTL)
	if err != nil || !ok {
		if err != nil {
			e.logger.Error("acquire lease for resume", "execution_id", execID, "error", err)
		}
		return
	}
	defer e.ledger.ReleaseLease(ctx, execID, e.owner)

	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		e.logger.Error("load execution for resume", "execution_id", execID, "error", err)
		return
	}
	if exec.Status.Terminal() {
		return
	}
	if exec.CancelRequested {
		if err := e.finalizeCanceled(ctx, exec); err != nil {
			e.logger.Error("finalize canceled at resume", "execution_id", execID, "error", err)
		}
		return
	}

	def, err := e.ledger.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		e.logger.Error("load definition for resume", "execution_id", execID, "error", err)
		return
	}
	node := def.NodeByID(pause.NodeID)
	if node == nil {
		e.fail(ctx, exec, nil, &types.ExecError{
			Human: "The paused node is no longer in the pipeline definition.",
			Tech:  fmt.Sprintf("node %q missing from definition %s", pause.NodeID, def.ID),
			Code:  "unknown_node",
		})
		return
	}

	rec, err := e.ledger.GetStepRecord(ctx, exec.ID, node.ID)
	if err != nil {
		e.logger.Error("load step record for resume", "execution_id", execID, "error", err)
		return
	}
	if rec == nil {
		rec = newStepRecord(exec.ID, node.ID)
		rec.Attempts = 1
	}
	now := time.Now().UTC()
	rec.Status = types.StepStatusSucceeded
	rec.OutputSnapshot = payload
	rec.FinishedAt = &now
	metrics.StepsTotal.WithLabelValues(string(node.Kind), "succeeded").Inc()

	exec.Status = types.ExecutionStatusRunning
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusRunning,
	})
	if !e.advanceCommit(ctx, exec, def, node, rec) {
		return
	}

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()
	e.dispatchLoop(ctx, exec, def)
}

// failFromPause finalizes a paused execution as failed (rejection, expiry).
func (e *Engine) failFromPause(execID string, pause *types.PauseRequest, cause error) {
	ctx := context.Background()

	ok, err := e.ledger.AcquireLease(ctx, execID, e.owner, e.cfg.LeaseTTL)
	if err != nil || !ok {
		if err != nil {
			e.logger.Error("acquire lease for failure", "execution_id", execID, "error", err)
		}
		return
	}
	defer e.ledger.ReleaseLease(ctx, execID, e.owner)

	exec, err := e.ledger.GetExecution(ctx, execID)
	if err != nil {
		e.logger.Error("load execution for failure", "execution_id", execID, "error", err)
		return
	}
	if exec.Status.Terminal() {
		return
	}

	rec, err := e.ledger.GetStepRecord(ctx, exec.ID, pause.NodeID)
	if err == nil && rec != nil && rec.Status != types.StepStatusSucceeded {
		now := time.Now().UTC()
		rec.Status = types.StepStatusFailed
		rec.ErrorHuman = humanPauseError(cause)
		rec.ErrorTech = cause.Error()
		rec.FinishedAt = &now
	} else {
		rec = nil
	}

	e.fail(ctx, exec, rec, &types.ExecError{
		Human: humanPauseError(cause),
		Tech:  cause.Error(),
		Code:  errorCode(cause),
	})
}

// advanceCommit persists the finished step and moves current_node_id to the
// node's linear successor (or completes the execution).
func (e *Engine) advanceCommit(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition, node *types.Node, rec *types.StepRecord) bool {
	return e.advanceTo(ctx, exec, def, node, rec, def.Successor(node))
}

// advanceTo persists the finished step together with the move to next. An
// empty next completes the execution.
func (e *Engine) advanceTo(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition, node *types.Node, rec *types.StepRecord, next string) bool {
	if next == "" {
		exec.Status = types.ExecutionStatusCompleted
		exec.CurrentNodeID = ""
		exec.Progress = 100
		now := time.Now().UTC()
		exec.FinishedAt = &now
		if err := e.ledger.CommitStep(ctx, exec, rec); err != nil {
			e.logger.Error("commit final step", "execution_id", exec.ID, "error", err)
			return false
		}
		e.emitStepDone(ctx, exec, rec)
		e.emitCompleted(ctx, exec, nil)
		return false
	}

	exec.CurrentNodeID = next
	exec.Progress = e.progressFor(ctx, exec, def)
	if err := e.ledger.CommitStep(ctx, exec, rec); err != nil {
		e.logger.Error("commit step", "execution_id", exec.ID, "error", err)
		return false
	}
	e.emitStepDone(ctx, exec, rec)
	e.emit(ctx, exec, &types.EventInput{
		Type:     types.EventTypeProgress,
		Progress: exec.Progress,
	})
	return true
}

// advance handles replay over an already-succeeded record without
// re-invoking the executor.
func (e *Engine) advance(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition, node *types.Node, output map[string]interface{}) bool {
	next := def.Successor(node)
	if node.Kind == types.NodeKindBranch {
		if sel, ok := output["selected"].(string); ok && sel != "" {
			next = sel
		}
	}
	if next == "" {
		exec.Status = types.ExecutionStatusCompleted
		exec.CurrentNodeID = ""
		exec.Progress = 100
		now := time.Now().UTC()
		exec.FinishedAt = &now
		if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
			e.logger.Error("persist completion on replay", "execution_id", exec.ID, "error", err)
			return false
		}
		e.emitCompleted(ctx, exec, nil)
		return false
	}
	exec.CurrentNodeID = next
	if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("persist replay advance", "execution_id", exec.ID, "error", err)
		return false
	}
	return true
}

// storeOutput records a step result, offloading oversized snapshots to the
// artifact store when configured.
func (e *Engine) storeOutput(ctx context.Context, exec *types.PipelineExecution, node *types.Node, rec *types.StepRecord, result *Result) {
	if result == nil {
		return
	}
	rec.OutputSnapshot = result.Data

	if e.artifacts == nil || e.cfg.InlineSnapshotLimit <= 0 {
		return
	}
	raw, err := json.Marshal(result.Data)
	if err != nil || len(raw) <= e.cfg.InlineSnapshotLimit {
		return
	}
	key := fmt.Sprintf("%s/%s.json", exec.ID, node.ID)
	ref, err := e.artifacts.Put(ctx, key, raw)
	if err != nil {
		e.logger.Warn("offload output snapshot", "execution_id", exec.ID, "node_id", node.ID, "error", err)
		return
	}
	rec.OutputRef = ref
	rec.OutputSnapshot = nil
}

// stepContext assembles the context a step executes against: trigger data,
// all prior succeeded outputs, and execution metadata.
func (e *Engine) stepContext(ctx context.Context, exec *types.PipelineExecution, node *types.Node) (*StepContext, error) {
	records, err := e.ledger.ListStepRecords(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]map[string]interface{}, len(records))
	for _, rec := range records {
		if rec.Status != types.StepStatusSucceeded {
			continue
		}
		if rec.OutputRef != "" && e.artifacts != nil {
			raw, err := e.artifacts.Get(ctx, rec.OutputRef)
			if err != nil {
				return nil, fmt.Errorf("load offloaded output for %s: %w", rec.NodeID, err)
			}
			var data map[string]interface{}
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, fmt.Errorf("decode offloaded output for %s: %w", rec.NodeID, err)
			}
			outputs[rec.NodeID] = data
			continue
		}
		outputs[rec.NodeID] = rec.OutputSnapshot
	}
	return &StepContext{
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		CorrelationID:  exec.CorrelationID,
		IdempotencyKey: exec.ID + ":" + node.ID,
		TriggerData:    exec.TriggerData,
		Outputs:        outputs,
	}, nil
}

// progressFor computes completion percentage from succeeded step records.
// Monotonic while running: the succeeded count only grows.
func (e *Engine) progressFor(ctx context.Context, exec *types.PipelineExecution, def *types.PipelineDefinition) int {
	if len(def.Nodes) == 0 {
		return exec.Progress
	}
	records, err := e.ledger.ListStepRecords(ctx, exec.ID)
	if err != nil {
		return exec.Progress
	}
	succeeded := 0
	for _, rec := range records {
		if rec.Status == types.StepStatusSucceeded {
			succeeded++
		}
	}
	p := succeeded * 100 / len(def.Nodes)
	if p < exec.Progress {
		return exec.Progress
	}
	if p > 100 {
		p = 100
	}
	return p
}

func (e *Engine) recordPhase(exec *types.PipelineExecution, phase types.Phase, d time.Duration) {
	if exec.PhaseTimings == nil {
		exec.PhaseTimings = make(map[types.Phase]time.Duration)
	}
	exec.PhaseTimings[phase] += d
}

// complete finalizes the execution as completed.
func (e *Engine) complete(ctx context.Context, exec *types.PipelineExecution, data map[string]interface{}) {
	exec.Status = types.ExecutionStatusCompleted
	exec.CurrentNodeID = ""
	now := time.Now().UTC()
	exec.FinishedAt = &now
	if exec.PartialPhase == "" {
		exec.Progress = 100
	}
	if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("persist completion", "execution_id", exec.ID, "error", err)
		return
	}
	e.emitCompleted(ctx, exec, data)
}

func (e *Engine) emitCompleted(ctx context.Context, exec *types.PipelineExecution, data map[string]interface{}) {
	metrics.ExecutionsTotal.WithLabelValues("completed").Inc()
	if exec.StartedAt != nil {
		metrics.ExecutionDuration.WithLabelValues("completed").Observe(time.Since(*exec.StartedAt).Seconds())
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusCompleted,
		Data:   data,
	})
	e.logger.Info("execution completed",
		slog.String("execution_id", exec.ID),
		slog.String("correlation_id", exec.CorrelationID),
	)
}

// fail finalizes the execution as failed. rec, when non-nil, is committed
// atomically with the state change.
func (e *Engine) fail(ctx context.Context, exec *types.PipelineExecution, rec *types.StepRecord, execErr *types.ExecError) {
	exec.Status = types.ExecutionStatusFailed
	exec.LastError = execErr
	now := time.Now().UTC()
	exec.FinishedAt = &now

	var err error
	if rec != nil {
		err = e.ledger.CommitStep(ctx, exec, rec)
	} else {
		err = e.ledger.UpdateExecution(ctx, exec)
	}
	if err != nil {
		e.logger.Error("persist failure", "execution_id", exec.ID, "error", err)
		return
	}
	if rec != nil {
		e.emitStepDone(ctx, exec, rec)
	}

	metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
	if exec.StartedAt != nil {
		metrics.ExecutionDuration.WithLabelValues("failed").Observe(time.Since(*exec.StartedAt).Seconds())
	}
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeError,
		NodeID: exec.CurrentNodeID,
		Data:   map[string]interface{}{"error": execErr},
	})
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusFailed,
	})
	e.logger.Warn("execution failed",
		slog.String("execution_id", exec.ID),
		slog.String("correlation_id", exec.CorrelationID),
		slog.String("code", execErr.Code),
		slog.String("error", execErr.Tech),
	)
}

func (e *Engine) finalizeCanceled(ctx context.Context, exec *types.PipelineExecution) error {
	exec.Status = types.ExecutionStatusCanceled
	now := time.Now().UTC()
	exec.FinishedAt = &now
	if err := e.ledger.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	metrics.ExecutionsTotal.WithLabelValues("canceled").Inc()
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeExecutionStatus,
		Status: types.ExecutionStatusCanceled,
		Data:   map[string]interface{}{"reason": exec.CancelReason},
	})
	e.logger.Info("execution canceled",
		slog.String("execution_id", exec.ID),
		slog.String("reason", exec.CancelReason),
	)
	return nil
}

func (e *Engine) emitStepDone(ctx context.Context, exec *types.PipelineExecution, rec *types.StepRecord) {
	e.emit(ctx, exec, &types.EventInput{
		Type:   types.EventTypeStepStatus,
		NodeID: rec.NodeID,
		Data: map[string]interface{}{
			"status":   rec.Status,
			"attempts": rec.Attempts,
		},
	})
}

// emit appends an event to the execution's ordered stream. Emission failures
// are logged, never fatal: the transition already persisted.
func (e *Engine) emit(ctx context.Context, exec *types.PipelineExecution, input *types.EventInput) {
	input.CorrelationID = exec.CorrelationID
	if input.Status == "" {
		input.Status = exec.Status
	}
	if input.Progress == 0 {
		input.Progress = exec.Progress
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
	if _, err := e.ledger.AppendEvent(ctx, exec.ID, input); err != nil {
		e.logger.Error("append event", "execution_id", exec.ID, "type", input.Type, "error", err)
	}
}

func newStepRecord(execID, nodeID string) *types.StepRecord {
	return &types.StepRecord{
		ExecutionID: execID,
		NodeID:      nodeID,
		Status:      types.StepStatusPending,
	}
}

func nodeLabel(node *types.Node) string {
	if node.Name != "" {
		return node.Name
	}
	return node.ID
}

// humanStepError builds the user-facing half of a step failure message.
func humanStepError(node *types.Node, err error) string {
	switch err.(type) {
	case *BranchNoMatchError:
		return fmt.Sprintf("No branch condition matched at %q and the branch has no default path.", nodeLabel(node))
	}
	if IsTransient(err) {
		return fmt.Sprintf("Step %q kept failing after repeated attempts.", nodeLabel(node))
	}
	return fmt.Sprintf("Step %q failed.", nodeLabel(node))
}

// humanPauseError builds the user-facing half of a pause-related failure.
func humanPauseError(err error) string {
	var expired *PauseExpiredError
	if errors.As(err, &expired) {
		return fmt.Sprintf("The %s request was not answered before its deadline.", expired.Kind)
	}
	var rejected *RejectedDecisionError
	if errors.As(err, &rejected) {
		if rejected.Reason != "" {
			return fmt.Sprintf("The request was %s: %s", rejected.Status, rejected.Reason)
		}
		return fmt.Sprintf("The request was %s.", rejected.Status)
	}
	return "The paused step could not be resumed."
}

// errorCode maps an error to a stable machine-readable code.
func errorCode(err error) string {
	var branchErr *BranchNoMatchError
	var expiredErr *PauseExpiredError
	var rejectedErr *RejectedDecisionError
	var resolutionErr *ResolutionError
	switch {
	case errors.As(err, &branchErr):
		return "branch_no_match"
	case errors.As(err, &expiredErr):
		return "pause_expired"
	case errors.As(err, &rejectedErr):
		return "rejected_decision"
	case errors.As(err, &resolutionErr):
		return "parameter_resolution"
	case IsTransient(err):
		return "transient_exhausted"
	default:
		return "step_failed"
	}
}
