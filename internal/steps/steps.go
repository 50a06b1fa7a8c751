// Package steps provides the built-in step executors wired into the default
// binary. Deployments with custom step logic register their own executors
// instead.
package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flexinfer/docflow/internal/engine"
	"github.com/flexinfer/docflow/pkg/types"
)

// RegisterDefaults binds the built-in executors for every node kind the
// engine dispatches (branch nodes are evaluated in-engine and need none).
func RegisterDefaults(reg *engine.Registry, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reg.Register(types.NodeKindTrigger, engine.ExecutorFunc(executeTrigger))
	reg.Register(types.NodeKindAction, NewHTTPAction(client))
	reg.Register(types.NodeKindApproval, engine.ExecutorFunc(executeApproval))
	reg.Register(types.NodeKindSignature, engine.ExecutorFunc(executeSignature))
}

// executeTrigger normalizes the trigger payload into the first step output.
func executeTrigger(ctx context.Context, params map[string]interface{}, sc *engine.StepContext) (*engine.Result, *engine.Await, error) {
	data := make(map[string]interface{}, len(sc.TriggerData)+len(params))
	for k, v := range sc.TriggerData {
		data[k] = v
	}
	for k, v := range params {
		data[k] = v
	}
	return &engine.Result{Data: data}, nil, nil
}

// executeApproval suspends the execution until an approval decision arrives.
func executeApproval(ctx context.Context, params map[string]interface{}, sc *engine.StepContext) (*engine.Result, *engine.Await, error) {
	return nil, &engine.Await{
		Kind:           types.PauseKindApproval,
		ExpectedSignal: "approval_decision",
	}, nil
}

// executeSignature suspends the execution until the counterparty signs.
func executeSignature(ctx context.Context, params map[string]interface{}, sc *engine.StepContext) (*engine.Result, *engine.Await, error) {
	return nil, &engine.Await{
		Kind:           types.PauseKindSignature,
		ExpectedSignal: "signature_decision",
	}, nil
}

// HTTPAction performs a step effect by POSTing the resolved parameters to the
// node's configured url. The idempotency key rides along as a header so the
// receiving service can deduplicate retried deliveries.
type HTTPAction struct {
	client *http.Client
}

// NewHTTPAction creates the action executor.
func NewHTTPAction(client *http.Client) *HTTPAction {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAction{client: client}
}

func (a *HTTPAction) Execute(ctx context.Context, params map[string]interface{}, sc *engine.StepContext) (*engine.Result, *engine.Await, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, nil, engine.Fatal(fmt.Errorf("action node %s has no url", sc.NodeID))
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, nil, engine.Fatal(fmt.Errorf("encode action body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, engine.Fatal(fmt.Errorf("build action request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sc.IdempotencyKey)
	req.Header.Set("X-Correlation-ID", sc.CorrelationID)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, engine.Transient(fmt.Errorf("action request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, engine.Transient(fmt.Errorf("read action response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, engine.Transient(fmt.Errorf("action returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, nil, engine.Fatal(fmt.Errorf("action returned %d: %s", resp.StatusCode, truncate(raw, 256)))
	}

	data := map[string]interface{}{"status_code": resp.StatusCode}
	if len(raw) > 0 {
		var decoded map[string]interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			data["body"] = decoded
		} else {
			data["body"] = string(truncate(raw, 4096))
		}
	}
	return &engine.Result{Data: data, Raw: raw}, nil, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
