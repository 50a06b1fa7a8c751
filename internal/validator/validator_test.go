package validator

import (
	"testing"
	"time"

	"github.com/flexinfer/docflow/pkg/types"
)

func validDefinition() *types.PipelineDefinition {
	return &types.PipelineDefinition{
		ID:   "offer-flow",
		Name: "Offer flow",
		Nodes: []types.Node{
			{ID: "render", Kind: types.NodeKindAction, Phase: types.PhaseRender},
			{
				ID:   "route",
				Kind: types.NodeKindBranch,
				Branches: []types.BranchRule{
					{When: &types.Predicate{Field: "trigger.amount", Op: types.OpGt, Value: 100}, Next: "sign"},
				},
				DefaultNext: "sign",
			},
			{
				ID:        "sign",
				Kind:      types.NodeKindSignature,
				Config:    map[string]interface{}{"signer_email": "a@b.co"},
				ExpiresIn: 48 * time.Hour,
			},
		},
	}
}

func TestValidateDefinitionAccepts(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if errs := v.ValidateDefinition(validDefinition()); len(errs) != 0 {
		t.Errorf("valid definition rejected: %+v", errs)
	}
}

func TestValidateDefinitionRejects(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*types.PipelineDefinition)
	}{
		{"missing id", func(d *types.PipelineDefinition) { d.ID = "" }},
		{"no nodes", func(d *types.PipelineDefinition) { d.Nodes = nil }},
		{"unknown kind", func(d *types.PipelineDefinition) { d.Nodes[0].Kind = "teleport" }},
		{"unknown phase", func(d *types.PipelineDefinition) { d.Nodes[0].Phase = "warmup" }},
		{"node without id", func(d *types.PipelineDefinition) { d.Nodes[0].ID = "" }},
		{"branch rule without target", func(d *types.PipelineDefinition) { d.Nodes[1].Branches[0].Next = "" }},
		{"bad predicate op", func(d *types.PipelineDefinition) { d.Nodes[1].Branches[0].When.Op = "~=" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			if errs := v.ValidateDefinition(def); len(errs) == 0 {
				t.Error("invalid definition accepted")
			}
		})
	}
}

func TestValidateDefinitionJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if errs := v.ValidateDefinitionJSON([]byte(`{not json`)); len(errs) == 0 {
		t.Error("malformed JSON accepted")
	}
	good := []byte(`{"id":"d","nodes":[{"id":"n","kind":"action"}]}`)
	if errs := v.ValidateDefinitionJSON(good); len(errs) != 0 {
		t.Errorf("minimal definition rejected: %+v", errs)
	}
}
