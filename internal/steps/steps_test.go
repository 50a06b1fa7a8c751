package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexinfer/docflow/internal/engine"
	"github.com/flexinfer/docflow/pkg/types"
)

func stepCtx() *engine.StepContext {
	return &engine.StepContext{
		ExecutionID:    "exec-1",
		NodeID:         "call",
		CorrelationID:  "corr-1",
		IdempotencyKey: "exec-1:call",
		TriggerData:    map[string]interface{}{"doc": "offer"},
	}
}

func TestHTTPActionSuccess(t *testing.T) {
	var gotKey, gotCorr string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotCorr = r.Header.Get("X-Correlation-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"document_id": "doc-9"})
	}))
	defer srv.Close()

	action := NewHTTPAction(srv.Client())
	res, await, err := action.Execute(context.Background(), map[string]interface{}{
		"url":      srv.URL,
		"template": "offer-v2",
	}, stepCtx())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if await != nil {
		t.Fatal("action returned an await")
	}

	if gotKey != "exec-1:call" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotCorr != "corr-1" {
		t.Errorf("correlation id = %q", gotCorr)
	}
	if gotBody["template"] != "offer-v2" {
		t.Errorf("request body = %v", gotBody)
	}

	body := res.Data["body"].(map[string]interface{})
	if body["document_id"] != "doc-9" {
		t.Errorf("response body = %v", res.Data)
	}
}

func TestHTTPActionErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error retries", http.StatusInternalServerError, true},
		{"rate limit retries", http.StatusTooManyRequests, true},
		{"bad request is permanent", http.StatusBadRequest, false},
		{"not found is permanent", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			action := NewHTTPAction(srv.Client())
			_, _, err := action.Execute(context.Background(), map[string]interface{}{"url": srv.URL}, stepCtx())
			if err == nil {
				t.Fatalf("status %d produced no error", tt.status)
			}
			if engine.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (err %v)", engine.IsTransient(err), tt.transient, err)
			}
		})
	}
}

func TestHTTPActionMissingURL(t *testing.T) {
	action := NewHTTPAction(nil)
	_, _, err := action.Execute(context.Background(), map[string]interface{}{}, stepCtx())
	if err == nil {
		t.Fatal("missing url accepted")
	}
	if engine.IsTransient(err) {
		t.Error("configuration error classified as transient")
	}
}

func TestHTTPActionConnectionRefusedIsTransient(t *testing.T) {
	action := NewHTTPAction(nil)
	_, _, err := action.Execute(context.Background(), map[string]interface{}{
		"url": "http://127.0.0.1:1/unreachable",
	}, stepCtx())
	if err == nil {
		t.Fatal("unreachable endpoint produced no error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("network error not transient: %v", err)
	}
}

func TestRegisterDefaults(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterDefaults(reg, nil)

	for _, kind := range []types.NodeKind{
		types.NodeKindTrigger,
		types.NodeKindAction,
		types.NodeKindApproval,
		types.NodeKindSignature,
	} {
		if reg.Get(kind) == nil {
			t.Errorf("no executor registered for %s", kind)
		}
	}
}

func TestTriggerExecutorMergesTriggerData(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterDefaults(reg, nil)

	res, await, err := reg.Get(types.NodeKindTrigger).Execute(context.Background(),
		map[string]interface{}{"source": "webhook"}, stepCtx())
	if err != nil || await != nil {
		t.Fatalf("trigger executor: res=%v await=%v err=%v", res, await, err)
	}
	if res.Data["doc"] != "offer" || res.Data["source"] != "webhook" {
		t.Errorf("trigger output = %v", res.Data)
	}
}

func TestPausingExecutors(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterDefaults(reg, nil)

	tests := []struct {
		kind   types.NodeKind
		pause  types.PauseKind
		signal string
	}{
		{types.NodeKindApproval, types.PauseKindApproval, "approval_decision"},
		{types.NodeKindSignature, types.PauseKindSignature, "signature_decision"},
	}
	for _, tt := range tests {
		res, await, err := reg.Get(tt.kind).Execute(context.Background(), nil, stepCtx())
		if err != nil || res != nil || await == nil {
			t.Fatalf("%s executor: res=%v await=%v err=%v", tt.kind, res, await, err)
		}
		if await.Kind != tt.pause || await.ExpectedSignal != tt.signal {
			t.Errorf("%s await = %+v", tt.kind, await)
		}
	}
}
