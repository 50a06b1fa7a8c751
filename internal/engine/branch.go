package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flexinfer/docflow/pkg/types"
)

// ExprEvaluator provides safe expression evaluation with caching.
// Expressions are compiled once and cached for reuse.
type ExprEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size for security (default: 4096)
	MaxExpressionLength int
}

// NewExprEvaluator creates a new expression evaluator.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// EvaluateBool evaluates an expression against an environment and coerces
// the result to a boolean.
func (e *ExprEvaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	if len(expression) > e.MaxExpressionLength {
		return false, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(env))
		if err != nil {
			return false, fmt.Errorf("compile expression %q: %w", expression, err)
		}
		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}

// branchEnv builds the evaluation environment for a branch node:
// trigger data, prior step outputs, and execution metadata.
func branchEnv(sc *StepContext) map[string]interface{} {
	outputs := make(map[string]interface{}, len(sc.Outputs))
	for nodeID, out := range sc.Outputs {
		outputs[nodeID] = out
	}
	return map[string]interface{}{
		"trigger": map[string]interface{}(sc.TriggerData),
		"outputs": outputs,
		"execution": map[string]interface{}{
			"id":             sc.ExecutionID,
			"correlation_id": sc.CorrelationID,
		},
	}
}

// EvaluateBranch walks a branch node's rules in order and returns the id of
// the successor node. The first rule whose predicate holds wins; with no
// match the default applies; with no default a BranchNoMatchError surfaces.
func (e *Engine) evaluateBranch(node *types.Node, sc *StepContext) (string, error) {
	env := branchEnv(sc)
	for i, rule := range node.Branches {
		var matched bool
		var err error
		switch {
		case rule.Expr != "":
			matched, err = e.exprEval.EvaluateBool(rule.Expr, env)
		case rule.When != nil:
			matched, err = evalPredicate(rule.When, sc)
		default:
			err = fmt.Errorf("branch rule %d on node %s has neither predicate nor expression", i, node.ID)
		}
		if err != nil {
			return "", Fatal(err)
		}
		if matched {
			return rule.Next, nil
		}
	}
	if node.DefaultNext != "" {
		return node.DefaultNext, nil
	}
	return "", &BranchNoMatchError{NodeID: node.ID}
}

// evalPredicate evaluates a structured comparison over the resolved context.
func evalPredicate(p *types.Predicate, sc *StepContext) (bool, error) {
	left, err := lookupPath(p.Field, sc)
	if err != nil {
		// A missing field is only meaningful to the emptiness operators;
		// every comparison against an absent value is false.
		switch p.Op {
		case types.OpIsEmpty:
			return true, nil
		case types.OpIsNotEmpty:
			return false, nil
		}
		return false, nil
	}

	switch p.Op {
	case types.OpEq:
		return looseEqual(left, p.Value), nil
	case types.OpNeq:
		return !looseEqual(left, p.Value), nil
	case types.OpGt, types.OpLt, types.OpGte, types.OpLte:
		lf, lok := toFloat(left)
		rf, rok := toFloat(p.Value)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s requires numeric operands (field %s)", p.Op, p.Field)
		}
		switch p.Op {
		case types.OpGt:
			return lf > rf, nil
		case types.OpLt:
			return lf < rf, nil
		case types.OpGte:
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}
	case types.OpContains:
		return containsValue(left, p.Value), nil
	case types.OpNotContains:
		return !containsValue(left, p.Value), nil
	case types.OpStartsWith:
		return strings.HasPrefix(toString(left), toString(p.Value)), nil
	case types.OpEndsWith:
		return strings.HasSuffix(toString(left), toString(p.Value)), nil
	case types.OpIsEmpty:
		return isEmptyValue(left), nil
	case types.OpIsNotEmpty:
		return !isEmptyValue(left), nil
	default:
		return false, fmt.Errorf("unknown predicate operator %q", p.Op)
	}
}

// looseEqual compares scalars across the numeric types JSON decoding
// produces; everything else falls back to string comparison.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle))
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := h[toString(needle)]
		return ok
	default:
		return false
	}
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}
