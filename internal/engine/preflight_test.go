package engine

import (
	"testing"

	"github.com/flexinfer/docflow/pkg/types"
)

func preflightEngine() *Engine {
	reg := NewRegistry()
	reg.Register(types.NodeKindAction, okAction(nil))
	reg.Register(types.NodeKindSignature, awaitSignature())
	return &Engine{registry: reg, exprEval: NewExprEvaluator()}
}

func issuesByDomain(issues []types.PreflightIssue, domain string) []types.PreflightIssue {
	var out []types.PreflightIssue
	for _, i := range issues {
		if i.Domain == domain {
			out = append(out, i)
		}
	}
	return out
}

func TestPreflightCleanDefinition(t *testing.T) {
	e := preflightEngine()
	def := &types.PipelineDefinition{
		ID:             "clean",
		RequiredFields: []string{"customer_email"},
		Nodes: []types.Node{
			{ID: "render", Kind: types.NodeKindAction},
			{ID: "send", Kind: types.NodeKindAction, Phase: types.PhaseDelivery, Config: map[string]interface{}{"to": "a@b.co"}},
		},
	}
	trigger := map[string]interface{}{"customer_email": "a@b.co"}

	issues := e.Preflight(def, trigger)
	if hasBlocking(issues) {
		t.Errorf("clean definition has blocking issues: %+v", issues)
	}
}

func TestPreflightDeterministic(t *testing.T) {
	e := preflightEngine()
	def := &types.PipelineDefinition{
		ID:             "det",
		RequiredFields: []string{"a", "b"},
		Nodes:          []types.Node{{ID: "n", Kind: types.NodeKindAction}},
	}
	trigger := map[string]interface{}{}

	first := e.Preflight(def, trigger)
	second := e.Preflight(def, trigger)
	if len(first) != len(second) {
		t.Fatalf("issue count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("issue %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestPreflightDataCompleteness(t *testing.T) {
	e := preflightEngine()
	def := &types.PipelineDefinition{
		ID:             "data",
		RequiredFields: []string{"customer_email", "amount"},
		Nodes:          []types.Node{{ID: "n", Kind: types.NodeKindAction}},
	}

	tests := []struct {
		name     string
		trigger  map[string]interface{}
		blocking int
	}{
		{"all present", map[string]interface{}{"customer_email": "a@b.co", "amount": 10}, 0},
		{"one missing", map[string]interface{}{"customer_email": "a@b.co"}, 1},
		{"empty counts as missing", map[string]interface{}{"customer_email": "", "amount": 10}, 1},
		{"all missing", map[string]interface{}{}, 2},
		{"nil trigger", nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := issuesByDomain(e.Preflight(def, tt.trigger), "data_completeness")
			if len(got) != tt.blocking {
				t.Errorf("issues = %d, want %d: %+v", len(got), tt.blocking, got)
			}
		})
	}
}

func TestPreflightDefinitionChecks(t *testing.T) {
	e := preflightEngine()

	tests := []struct {
		name    string
		def     *types.PipelineDefinition
		message string
	}{
		{
			"duplicate node ids",
			&types.PipelineDefinition{ID: "d", Nodes: []types.Node{
				{ID: "n", Kind: types.NodeKindAction},
				{ID: "n", Kind: types.NodeKindAction},
			}},
			"duplicate",
		},
		{
			"unknown successor",
			&types.PipelineDefinition{ID: "d", Nodes: []types.Node{
				{ID: "n", Kind: types.NodeKindAction, Next: "ghost"},
			}},
			"unknown node",
		},
		{
			"unregistered kind",
			&types.PipelineDefinition{ID: "d", Nodes: []types.Node{
				{ID: "n", Kind: types.NodeKind("teleport")},
			}},
			"no executor",
		},
		{
			"branch without rules",
			&types.PipelineDefinition{ID: "d", Nodes: []types.Node{
				{ID: "n", Kind: types.NodeKindBranch},
			}},
			"no rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := issuesByDomain(e.Preflight(tt.def, nil), "definition")
			if !hasBlocking(issues) {
				t.Fatalf("expected blocking definition issue, got %+v", issues)
			}
		})
	}
}

func TestPreflightBranchWithoutDefaultWarns(t *testing.T) {
	e := preflightEngine()
	def := &types.PipelineDefinition{ID: "d", Nodes: []types.Node{
		{ID: "route", Kind: types.NodeKindBranch, Branches: []types.BranchRule{
			{When: &types.Predicate{Field: "trigger.x", Op: types.OpEq, Value: 1}, Next: "t"},
		}},
		{ID: "t", Kind: types.NodeKindAction},
	}}

	issues := issuesByDomain(e.Preflight(def, nil), "definition")
	warning := false
	for _, i := range issues {
		if i.Severity == types.SeverityWarning {
			warning = true
		}
		if i.Severity == types.SeverityBlocking {
			t.Errorf("unexpected blocking issue: %+v", i)
		}
	}
	if !warning {
		t.Error("missing-default warning not raised")
	}
}

func TestPreflightPermissions(t *testing.T) {
	e := preflightEngine()
	def := &types.PipelineDefinition{ID: "d", Nodes: []types.Node{
		{ID: "save", Kind: types.NodeKindAction, Config: map[string]interface{}{
			"required_scopes": []interface{}{"drive.write"},
		}},
	}}

	missing := e.Preflight(def, map[string]interface{}{"scopes": []interface{}{"drive.read"}})
	if got := issuesByDomain(missing, "permissions"); len(got) != 1 {
		t.Errorf("permission issues = %+v, want 1", got)
	}

	granted := e.Preflight(def, map[string]interface{}{"scopes": []interface{}{"drive.read", "drive.write"}})
	if got := issuesByDomain(granted, "permissions"); len(got) != 0 {
		t.Errorf("unexpected permission issues: %+v", got)
	}
}

func TestPreflightDeliveryTargets(t *testing.T) {
	e := preflightEngine()

	tests := []struct {
		name     string
		to       interface{}
		blocking bool
	}{
		{"valid address", "a@b.co", false},
		{"invalid address", "not-an-address", true},
		{"missing recipient", nil, true},
		{"templated recipient resolves later", "$trigger.customer_email", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := map[string]interface{}{}
			if tt.to != nil {
				cfg["to"] = tt.to
			}
			def := &types.PipelineDefinition{ID: "d", Nodes: []types.Node{
				{ID: "send", Kind: types.NodeKindAction, Phase: types.PhaseDelivery, Config: cfg},
			}}
			issues := issuesByDomain(e.Preflight(def, nil), "delivery")
			if hasBlocking(issues) != tt.blocking {
				t.Errorf("blocking = %v, want %v: %+v", hasBlocking(issues), tt.blocking, issues)
			}
		})
	}
}

func TestPreflightSignatureConfig(t *testing.T) {
	e := preflightEngine()

	def := &types.PipelineDefinition{ID: "d", Nodes: []types.Node{
		{ID: "sign", Kind: types.NodeKindSignature, Config: map[string]interface{}{}},
	}}
	issues := issuesByDomain(e.Preflight(def, nil), "signature")
	if !hasBlocking(issues) {
		t.Errorf("signature node without signer passed: %+v", issues)
	}

	def.Nodes[0].Config["signer_email"] = "signer@b.co"
	issues = issuesByDomain(e.Preflight(def, nil), "signature")
	if hasBlocking(issues) {
		t.Errorf("valid signer blocked: %+v", issues)
	}
	// No expiry set: advisory only.
	warning := false
	for _, i := range issues {
		if i.Severity == types.SeverityWarning && i.Field == "expires_in" {
			warning = true
		}
	}
	if !warning {
		t.Error("missing expiry warning not raised")
	}
}
