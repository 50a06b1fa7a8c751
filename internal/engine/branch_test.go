package engine

import (
	"errors"
	"testing"

	"github.com/flexinfer/docflow/pkg/types"
)

func testStepContext() *StepContext {
	return &StepContext{
		ExecutionID:   "exec-1",
		NodeID:        "route",
		CorrelationID: "corr-1",
		TriggerData: map[string]interface{}{
			"amount":   float64(2500),
			"kind":     "invoice",
			"tags":     []interface{}{"priority", "eu"},
			"customer": map[string]interface{}{"email": "x@y.co", "name": ""},
		},
		Outputs: map[string]map[string]interface{}{
			"render": {"url": "https://docs.example/d/42", "pages": float64(3)},
		},
	}
}

func TestEvalPredicate(t *testing.T) {
	sc := testStepContext()

	tests := []struct {
		name string
		pred types.Predicate
		want bool
	}{
		{"eq string", types.Predicate{Field: "trigger.kind", Op: types.OpEq, Value: "invoice"}, true},
		{"eq mismatch", types.Predicate{Field: "trigger.kind", Op: types.OpEq, Value: "quote"}, false},
		{"neq", types.Predicate{Field: "trigger.kind", Op: types.OpNeq, Value: "quote"}, true},
		{"eq numeric cross-type", types.Predicate{Field: "trigger.amount", Op: types.OpEq, Value: 2500}, true},
		{"gt", types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 1000}, true},
		{"gt false", types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 5000}, false},
		{"lt", types.Predicate{Field: "trigger.amount", Op: types.OpLt, Value: 5000}, true},
		{"gte boundary", types.Predicate{Field: "trigger.amount", Op: types.OpGte, Value: 2500}, true},
		{"lte boundary", types.Predicate{Field: "trigger.amount", Op: types.OpLte, Value: 2500}, true},
		{"contains list", types.Predicate{Field: "trigger.tags", Op: types.OpContains, Value: "priority"}, true},
		{"not_contains list", types.Predicate{Field: "trigger.tags", Op: types.OpNotContains, Value: "us"}, true},
		{"contains substring", types.Predicate{Field: "trigger.kind", Op: types.OpContains, Value: "voice"}, true},
		{"starts_with", types.Predicate{Field: "outputs.render.url", Op: types.OpStartsWith, Value: "https://"}, true},
		{"ends_with", types.Predicate{Field: "outputs.render.url", Op: types.OpEndsWith, Value: "/42"}, true},
		{"is_empty on empty string", types.Predicate{Field: "trigger.customer.name", Op: types.OpIsEmpty}, true},
		{"is_not_empty", types.Predicate{Field: "trigger.customer.email", Op: types.OpIsNotEmpty}, true},
		// Missing fields: emptiness operators see them as empty, every
		// comparison is false.
		{"missing field is_empty", types.Predicate{Field: "trigger.nonexistent", Op: types.OpIsEmpty}, true},
		{"missing field is_not_empty", types.Predicate{Field: "trigger.nonexistent", Op: types.OpIsNotEmpty}, false},
		{"missing field eq", types.Predicate{Field: "trigger.nonexistent", Op: types.OpEq, Value: "x"}, false},
		{"missing field gt", types.Predicate{Field: "trigger.nonexistent", Op: types.OpGt, Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalPredicate(&tt.pred, sc)
			if err != nil {
				t.Fatalf("evalPredicate: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalPredicateNonNumericComparison(t *testing.T) {
	sc := testStepContext()
	_, err := evalPredicate(&types.Predicate{Field: "trigger.kind", Op: types.OpGt, Value: 5}, sc)
	if err == nil {
		t.Error("numeric comparison over a string succeeded")
	}
}

func TestEvaluateBranchFirstMatchWins(t *testing.T) {
	e := &Engine{exprEval: NewExprEvaluator()}
	sc := testStepContext()

	node := &types.Node{
		ID:   "route",
		Kind: types.NodeKindBranch,
		Branches: []types.BranchRule{
			{When: &types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 10000}, Next: "large"},
			{When: &types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 1000}, Next: "medium"},
			{When: &types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 0}, Next: "small"},
		},
	}

	next, err := e.evaluateBranch(node, sc)
	if err != nil {
		t.Fatalf("evaluateBranch: %v", err)
	}
	if next != "medium" {
		t.Errorf("next = %q, want medium", next)
	}
}

func TestEvaluateBranchExprRule(t *testing.T) {
	e := &Engine{exprEval: NewExprEvaluator()}
	sc := testStepContext()

	node := &types.Node{
		ID:   "route",
		Kind: types.NodeKindBranch,
		Branches: []types.BranchRule{
			{Expr: `trigger.amount > 1000 && trigger.kind == "invoice"`, Next: "billing"},
		},
		DefaultNext: "generic",
	}

	next, err := e.evaluateBranch(node, sc)
	if err != nil {
		t.Fatalf("evaluateBranch: %v", err)
	}
	if next != "billing" {
		t.Errorf("next = %q, want billing", next)
	}
}

func TestEvaluateBranchDefault(t *testing.T) {
	e := &Engine{exprEval: NewExprEvaluator()}
	sc := testStepContext()

	node := &types.Node{
		ID:   "route",
		Kind: types.NodeKindBranch,
		Branches: []types.BranchRule{
			{When: &types.Predicate{Field: "trigger.kind", Op: types.OpEq, Value: "quote"}, Next: "quotes"},
		},
		DefaultNext: "fallback",
	}

	next, err := e.evaluateBranch(node, sc)
	if err != nil {
		t.Fatalf("evaluateBranch: %v", err)
	}
	if next != "fallback" {
		t.Errorf("next = %q, want fallback", next)
	}
}

func TestEvaluateBranchNoMatchNoDefault(t *testing.T) {
	e := &Engine{exprEval: NewExprEvaluator()}
	sc := testStepContext()

	node := &types.Node{
		ID:   "route",
		Kind: types.NodeKindBranch,
		Branches: []types.BranchRule{
			{When: &types.Predicate{Field: "trigger.kind", Op: types.OpEq, Value: "quote"}, Next: "quotes"},
		},
	}

	_, err := e.evaluateBranch(node, sc)
	var noMatch *BranchNoMatchError
	if !errors.As(err, &noMatch) {
		t.Fatalf("err = %v, want BranchNoMatchError", err)
	}
	if noMatch.NodeID != "route" {
		t.Errorf("NodeID = %q", noMatch.NodeID)
	}
}

func TestEvaluateBranchBadExpression(t *testing.T) {
	e := &Engine{exprEval: NewExprEvaluator()}
	sc := testStepContext()

	node := &types.Node{
		ID:       "route",
		Kind:     types.NodeKindBranch,
		Branches: []types.BranchRule{{Expr: "trigger.amount >", Next: "x"}},
	}

	if _, err := e.evaluateBranch(node, sc); err == nil {
		t.Error("malformed expression evaluated without error")
	}
}

func TestExprEvaluatorCachesPrograms(t *testing.T) {
	e := NewExprEvaluator()
	env := map[string]interface{}{"x": 5}

	for i := 0; i < 3; i++ {
		ok, err := e.EvaluateBool("x > 1", env)
		if err != nil || !ok {
			t.Fatalf("iteration %d: ok=%v err=%v", i, ok, err)
		}
	}
	if len(e.compiled) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.compiled))
	}
}

func TestExprEvaluatorLengthLimit(t *testing.T) {
	e := NewExprEvaluator()
	e.MaxExpressionLength = 10
	if _, err := e.EvaluateBool("1 + 1 + 1 + 1 == 4", nil); err == nil {
		t.Error("oversized expression accepted")
	}
}
