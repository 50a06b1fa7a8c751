package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/docflow/pkg/types"
)

// memoryExecution holds all state for a single execution in memory.
type memoryExecution struct {
	mu          sync.RWMutex
	exec        *types.PipelineExecution
	steps       map[string]*types.StepRecord
	pause       *types.PauseRequest
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	leaseOwner  string
	leaseExpiry time.Time
	subscribers map[chan *types.Event]struct{}
}

// MemoryLedger is an in-memory implementation of Ledger. Suitable for
// development and testing. Data is lost on restart.
type MemoryLedger struct {
	mu     sync.RWMutex
	defs   map[string]*types.PipelineDefinition
	execs  map[string]*memoryExecution
	config *Config
}

// NewMemoryLedger creates a new in-memory Ledger.
func NewMemoryLedger(cfg *Config) *MemoryLedger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryLedger{
		defs:   make(map[string]*types.PipelineDefinition),
		execs:  make(map[string]*memoryExecution),
		config: cfg,
	}
}

// clone deep-copies a value through JSON. Ledger rows cross goroutine
// boundaries, so callers must never share the stored structs.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(b, out)
	return out
}

func (l *MemoryLedger) PutDefinition(ctx context.Context, def *types.PipelineDefinition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[def.ID] = clone(def)
	return nil
}

func (l *MemoryLedger) GetDefinition(ctx context.Context, id string) (*types.PipelineDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return clone(def), nil
}

func (l *MemoryLedger) ListDefinitions(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.defs))
	for id := range l.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *MemoryLedger) CreateExecution(ctx context.Context, exec *types.PipelineExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.execs[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	l.execs[exec.ID] = &memoryExecution{
		exec:        clone(exec),
		steps:       make(map[string]*types.StepRecord),
		nextSeq:     1,
		maxEvents:   l.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (l *MemoryLedger) get(execID string) (*memoryExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	me, ok := l.execs[execID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return me, nil
}

func (l *MemoryLedger) GetExecution(ctx context.Context, id string) (*types.PipelineExecution, error) {
	me, err := l.get(id)
	if err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	return clone(me.exec), nil
}

func (l *MemoryLedger) ListExecutions(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.execs))
	for id := range l.execs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *MemoryLedger) UpdateExecution(ctx context.Context, exec *types.PipelineExecution) error {
	me, err := l.get(exec.ID)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.exec.Status.Terminal() {
		return ErrExecutionTerminal
	}
	mergeCancel(me.exec, exec)
	exec.UpdatedAt = time.Now().UTC()
	me.exec = clone(exec)
	return nil
}

func (l *MemoryLedger) RequestCancel(ctx context.Context, execID, reason string) error {
	me, err := l.get(execID)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.exec.Status.Terminal() {
		return ErrExecutionTerminal
	}
	me.exec.CancelRequested = true
	me.exec.CancelReason = reason
	me.exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryLedger) GetStepRecord(ctx context.Context, execID, nodeID string) (*types.StepRecord, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	rec, ok := me.steps[nodeID]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

func (l *MemoryLedger) ListStepRecords(ctx context.Context, execID string) ([]*types.StepRecord, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	out := make([]*types.StepRecord, 0, len(me.steps))
	for _, rec := range me.steps {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (l *MemoryLedger) CommitStep(ctx context.Context, exec *types.PipelineExecution, rec *types.StepRecord) error {
	me, err := l.get(exec.ID)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	// A terminal-succeeded record is never overwritten; this is the
	// idempotency anchor.
	if prev, ok := me.steps[rec.NodeID]; ok && prev.Status == types.StepStatusSucceeded {
		if rec.Status != types.StepStatusSucceeded {
			return fmt.Errorf("step %s/%s already succeeded", exec.ID, rec.NodeID)
		}
	}
	mergeCancel(me.exec, exec)
	exec.UpdatedAt = time.Now().UTC()
	me.exec = clone(exec)
	me.steps[rec.NodeID] = clone(rec)
	return nil
}

func (l *MemoryLedger) CommitPause(ctx context.Context, exec *types.PipelineExecution, pause *types.PauseRequest) error {
	me, err := l.get(exec.ID)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	mergeCancel(me.exec, exec)
	exec.UpdatedAt = time.Now().UTC()
	me.exec = clone(exec)
	me.pause = clone(pause)
	return nil
}

func (l *MemoryLedger) GetPause(ctx context.Context, execID string) (*types.PauseRequest, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.pause == nil {
		return nil, ErrPauseNotFound
	}
	return clone(me.pause), nil
}

func (l *MemoryLedger) ResolvePause(ctx context.Context, execID string, resolution map[string]interface{}) (*types.PauseRequest, bool, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, false, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.pause == nil {
		return nil, false, ErrPauseNotFound
	}
	if me.pause.Resolved {
		return clone(me.pause), false, nil
	}
	now := time.Now().UTC()
	me.pause.Resolved = true
	me.pause.ResolvedAt = &now
	me.pause.Resolution = resolution
	return clone(me.pause), true, nil
}

func (l *MemoryLedger) ListOpenPauses(ctx context.Context) ([]*types.PauseRequest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*types.PauseRequest
	for _, me := range l.execs {
		me.mu.RLock()
		if me.pause != nil && !me.pause.Resolved {
			out = append(out, clone(me.pause))
		}
		me.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (l *MemoryLedger) AcquireLease(ctx context.Context, execID, owner string, ttl time.Duration) (bool, error) {
	me, err := l.get(execID)
	if err != nil {
		return false, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	now := time.Now()
	if me.leaseOwner != "" && me.leaseOwner != owner && now.Before(me.leaseExpiry) {
		return false, nil
	}
	me.leaseOwner = owner
	me.leaseExpiry = now.Add(ttl)
	return true, nil
}

func (l *MemoryLedger) ReleaseLease(ctx context.Context, execID, owner string) error {
	me, err := l.get(execID)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.leaseOwner == owner {
		me.leaseOwner = ""
		me.leaseExpiry = time.Time{}
	}
	return nil
}

func (l *MemoryLedger) AppendEvent(ctx context.Context, execID string, input *types.EventInput) (*types.Event, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	var data json.RawMessage
	if input.Data != nil {
		b, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		data = b
	}

	evt := &types.Event{
		ID:            strconv.FormatInt(me.nextSeq, 10),
		ExecutionID:   execID,
		Type:          input.Type,
		NodeID:        input.NodeID,
		Status:        input.Status,
		Progress:      input.Progress,
		CorrelationID: input.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
	me.nextSeq++

	me.events = append(me.events, evt)
	if me.maxEvents > 0 && int64(len(me.events)) > me.maxEvents {
		me.events = me.events[int64(len(me.events))-me.maxEvents:]
	}

	for ch := range me.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than block the emitter.
		}
	}

	return evt, nil
}

func (l *MemoryLedger) GetEventsSince(ctx context.Context, execID string, lastEventID string) ([]*types.Event, error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()

	since := int64(0)
	if lastEventID != "" {
		since, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var out []*types.Event
	for _, evt := range me.events {
		id, _ := strconv.ParseInt(evt.ID, 10, 64)
		if id > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Subscribe(ctx context.Context, execID string) (<-chan *types.Event, func(), error) {
	me, err := l.get(execID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan *types.Event, 64)

	me.mu.Lock()
	me.subscribers[ch] = struct{}{}
	me.mu.Unlock()

	cleanup := func() {
		me.mu.Lock()
		if _, ok := me.subscribers[ch]; ok {
			delete(me.subscribers, ch)
			close(ch)
		}
		me.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (l *MemoryLedger) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"adapter":     "memory",
		"executions":  len(l.execs),
		"definitions": len(l.defs),
	}, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
