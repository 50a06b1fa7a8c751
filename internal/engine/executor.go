package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/docflow/pkg/types"
)

// StepContext is the execution context handed to a step executor. The
// IdempotencyKey is stable across retries of the same (execution, node) pair
// so downstream systems can deduplicate side effects.
type StepContext struct {
	ExecutionID    string
	NodeID         string
	CorrelationID  string
	IdempotencyKey string
	Attempt        int
	TriggerData    map[string]interface{}
	// Outputs holds prior step outputs keyed by node id.
	Outputs map[string]map[string]interface{}
}

// Result is a successful step outcome.
type Result struct {
	Data map[string]interface{}
	Raw  json.RawMessage
}

// Await is returned instead of a Result when the step must wait for an
// external event (human approval, counterparty signature).
type Await struct {
	Kind           types.PauseKind
	ExpectedSignal string
	ExpiresIn      time.Duration
	AutoResolve    bool
}

// Executor is the polymorphic step contract, implemented per node kind and
// supplied externally. Exactly one of Result/Await is non-nil on success.
// Errors are classified with Transient or Fatal; unwrapped errors are
// treated as fatal.
type Executor interface {
	Execute(ctx context.Context, params map[string]interface{}, sc *StepContext) (*Result, *Await, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params map[string]interface{}, sc *StepContext) (*Result, *Await, error)

func (f ExecutorFunc) Execute(ctx context.Context, params map[string]interface{}, sc *StepContext) (*Result, *Await, error) {
	return f(ctx, params, sc)
}

// Registry maps node kinds to executors. The engine is generic over this
// interface and never branches on concrete step types.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.NodeKind]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.NodeKind]Executor)}
}

// Register binds an executor to a node kind, replacing any previous binding.
func (r *Registry) Register(kind types.NodeKind, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Get returns the executor for kind, or nil.
func (r *Registry) Get(kind types.NodeKind) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[kind]
}

// Kinds returns the registered node kinds.
func (r *Registry) Kinds() []types.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParameterResolver expands a node's declared config against the execution
// context immediately before dispatch. Supplied externally; the engine only
// calls it.
type ParameterResolver interface {
	Resolve(nodeConfig map[string]interface{}, sc *StepContext) (map[string]interface{}, error)
}

// MapResolver is the default resolver: it copies the node config and expands
// string values of the form "$trigger.path" or "$outputs.node.path" against
// the context. Anything else passes through untouched.
type MapResolver struct{}

func (MapResolver) Resolve(nodeConfig map[string]interface{}, sc *StepContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(nodeConfig))
	for k, v := range nodeConfig {
		resolved, err := resolveValue(v, sc)
		if err != nil {
			return nil, &ResolutionError{NodeID: sc.NodeID, Err: fmt.Errorf("param %q: %w", k, err)}
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, sc *StepContext) (interface{}, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "$") {
			return val, nil
		}
		return lookupPath(val[1:], sc)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := resolveValue(inner, sc)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := resolveValue(inner, sc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// lookupPath walks a dotted reference like "trigger.deal.amount" or
// "outputs.render.url" through the step context.
func lookupPath(path string, sc *StepContext) (interface{}, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("reference %q too short", path)
	}

	var cur interface{}
	switch parts[0] {
	case "trigger":
		cur = map[string]interface{}(sc.TriggerData)
	case "outputs":
		outputs, ok := sc.Outputs[parts[1]]
		if !ok {
			return nil, fmt.Errorf("no output recorded for node %q", parts[1])
		}
		cur = map[string]interface{}(outputs)
		parts = parts[1:]
	case "execution":
		cur = map[string]interface{}{
			"id":             sc.ExecutionID,
			"node_id":        sc.NodeID,
			"correlation_id": sc.CorrelationID,
		}
	default:
		return nil, fmt.Errorf("unknown reference root %q", parts[0])
	}

	for _, part := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("segment %q is not an object", part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("missing field %q", part)
		}
	}
	return cur, nil
}
