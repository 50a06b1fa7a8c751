package engine

import (
	"errors"
	"testing"
)

func TestMapResolverExpandsReferences(t *testing.T) {
	sc := testStepContext()
	cfg := map[string]interface{}{
		"literal":  "hello",
		"number":   float64(7),
		"from_trigger": "$trigger.customer.email",
		"from_output":  "$outputs.render.url",
		"exec_id":      "$execution.id",
		"nested": map[string]interface{}{
			"inner": "$trigger.kind",
		},
		"list": []interface{}{"$trigger.kind", "plain"},
	}

	out, err := MapResolver{}.Resolve(cfg, sc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if out["literal"] != "hello" || out["number"] != float64(7) {
		t.Errorf("literals changed: %+v", out)
	}
	if out["from_trigger"] != "x@y.co" {
		t.Errorf("from_trigger = %v", out["from_trigger"])
	}
	if out["from_output"] != "https://docs.example/d/42" {
		t.Errorf("from_output = %v", out["from_output"])
	}
	if out["exec_id"] != "exec-1" {
		t.Errorf("exec_id = %v", out["exec_id"])
	}
	nested := out["nested"].(map[string]interface{})
	if nested["inner"] != "invoice" {
		t.Errorf("nested = %v", nested)
	}
	list := out["list"].([]interface{})
	if list[0] != "invoice" || list[1] != "plain" {
		t.Errorf("list = %v", list)
	}
}

func TestMapResolverMissingReference(t *testing.T) {
	sc := testStepContext()

	tests := []struct {
		name string
		ref  string
	}{
		{"missing trigger field", "$trigger.nope"},
		{"missing output node", "$outputs.ghost.url"},
		{"missing output field", "$outputs.render.nope"},
		{"unknown root", "$secrets.key"},
		{"bare root", "$trigger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MapResolver{}.Resolve(map[string]interface{}{"v": tt.ref}, sc)
			if err == nil {
				t.Error("unresolvable reference accepted")
			}
			var resErr *ResolutionError
			if !errors.As(err, &resErr) {
				t.Errorf("err = %T, want *ResolutionError", err)
			}
		})
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if reg.Get("action") != nil {
		t.Error("empty registry returned an executor")
	}

	exec := okAction(nil)
	reg.Register("action", exec)
	if reg.Get("action") == nil {
		t.Error("registered executor not found")
	}
	if kinds := reg.Kinds(); len(kinds) != 1 || kinds[0] != "action" {
		t.Errorf("Kinds = %v", kinds)
	}
}
