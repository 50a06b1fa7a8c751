package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/flexinfer/docflow/pkg/types"
)

func newExec(id string) *types.PipelineExecution {
	return &types.PipelineExecution{
		ID:           id,
		DefinitionID: "def",
		Status:       types.ExecutionStatusRunning,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryLedgerExecutionLifecycle(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	if _, err := led.GetExecution(ctx, "missing"); err != ErrExecutionNotFound {
		t.Errorf("GetExecution(missing) = %v, want ErrExecutionNotFound", err)
	}

	exec := newExec("e1")
	if err := led.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := led.CreateExecution(ctx, exec); err == nil {
		t.Error("duplicate CreateExecution succeeded")
	}

	got, err := led.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	// Rows are cloned: mutating a read result never leaks into the ledger.
	got.Status = types.ExecutionStatusFailed
	again, _ := led.GetExecution(ctx, "e1")
	if again.Status != types.ExecutionStatusRunning {
		t.Error("read result aliases stored row")
	}
}

func TestMemoryLedgerTerminalGuard(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	exec := newExec("e1")
	led.CreateExecution(ctx, exec)

	exec.Status = types.ExecutionStatusCompleted
	if err := led.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution to terminal: %v", err)
	}

	exec.Status = types.ExecutionStatusRunning
	if err := led.UpdateExecution(ctx, exec); err != ErrExecutionTerminal {
		t.Errorf("UpdateExecution after terminal = %v, want ErrExecutionTerminal", err)
	}
}

func TestMemoryLedgerCommitStepIdempotencyAnchor(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	exec := newExec("e1")
	led.CreateExecution(ctx, exec)

	rec := &types.StepRecord{
		ExecutionID:    "e1",
		NodeID:         "render",
		Status:         types.StepStatusSucceeded,
		Attempts:       1,
		OutputSnapshot: map[string]interface{}{"url": "u"},
	}
	if err := led.CommitStep(ctx, exec, rec); err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	// A terminal-succeeded record never regresses.
	regress := &types.StepRecord{ExecutionID: "e1", NodeID: "render", Status: types.StepStatusRunning}
	if err := led.CommitStep(ctx, exec, regress); err == nil {
		t.Error("overwrite of succeeded record allowed")
	}

	got, _ := led.GetStepRecord(ctx, "e1", "render")
	if got.Status != types.StepStatusSucceeded || got.OutputSnapshot["url"] != "u" {
		t.Errorf("record mutated: %+v", got)
	}
}

func TestMemoryLedgerCancelFlagSticky(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()
	led.CreateExecution(ctx, newExec("e1"))

	if err := led.RequestCancel(ctx, "e1", "withdrawn"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	// A dispatcher writing back a row copy taken before the cancel must not
	// clear the flag, on either write path.
	stale := newExec("e1")
	rec := &types.StepRecord{ExecutionID: "e1", NodeID: "render", Status: types.StepStatusSucceeded}
	if err := led.CommitStep(ctx, stale, rec); err != nil {
		t.Fatalf("CommitStep: %v", err)
	}
	got, _ := led.GetExecution(ctx, "e1")
	if !got.CancelRequested || got.CancelReason != "withdrawn" {
		t.Errorf("after CommitStep: cancel_requested=%v reason=%q", got.CancelRequested, got.CancelReason)
	}

	if err := led.UpdateExecution(ctx, newExec("e1")); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	got, _ = led.GetExecution(ctx, "e1")
	if !got.CancelRequested {
		t.Error("UpdateExecution cleared the cancel flag")
	}

	// The merged flag is also visible on the caller's copy so a dispatcher
	// learns about the cancel from its own write-back.
	if !stale.CancelRequested {
		t.Error("CommitStep did not propagate the flag to the written row")
	}
}

func TestMemoryLedgerRequestCancelTerminal(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	exec := newExec("e1")
	led.CreateExecution(ctx, exec)
	exec.Status = types.ExecutionStatusCompleted
	led.UpdateExecution(ctx, exec)

	if err := led.RequestCancel(ctx, "e1", ""); err != ErrExecutionTerminal {
		t.Errorf("RequestCancel on completed = %v, want ErrExecutionTerminal", err)
	}
	if err := led.RequestCancel(ctx, "missing", ""); err != ErrExecutionNotFound {
		t.Errorf("RequestCancel on missing = %v, want ErrExecutionNotFound", err)
	}
}

func TestMemoryLedgerResolvePauseExactlyOnce(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	exec := newExec("e1")
	led.CreateExecution(ctx, exec)

	if _, _, err := led.ResolvePause(ctx, "e1", nil); err != ErrPauseNotFound {
		t.Errorf("ResolvePause without pause = %v, want ErrPauseNotFound", err)
	}

	pause := &types.PauseRequest{
		ExecutionID:    "e1",
		NodeID:         "sign",
		Kind:           types.PauseKindSignature,
		ExpectedSignal: "signature_decision",
		ExpiresAt:      time.Now().Add(time.Hour),
		CreatedAt:      time.Now().UTC(),
	}
	exec.Status = types.ExecutionStatusPaused
	if err := led.CommitPause(ctx, exec, pause); err != nil {
		t.Fatalf("CommitPause: %v", err)
	}

	resolved, won, err := led.ResolvePause(ctx, "e1", map[string]interface{}{"status": "signed"})
	if err != nil || !won {
		t.Fatalf("first resolve: won=%v err=%v", won, err)
	}
	if !resolved.Resolved || resolved.Resolution["status"] != "signed" {
		t.Errorf("resolved pause = %+v", resolved)
	}

	_, won, err = led.ResolvePause(ctx, "e1", map[string]interface{}{"status": "expired"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if won {
		t.Error("pause resolved twice")
	}
	// The first resolution sticks.
	final, _ := led.GetPause(ctx, "e1")
	if final.Resolution["status"] != "signed" {
		t.Errorf("resolution overwritten: %+v", final.Resolution)
	}
}

func TestMemoryLedgerListOpenPauses(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		exec := newExec(id)
		led.CreateExecution(ctx, exec)
		led.CommitPause(ctx, exec, &types.PauseRequest{
			ExecutionID: id,
			NodeID:      "sign",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
	}
	led.ResolvePause(ctx, "a", nil)

	open, err := led.ListOpenPauses(ctx)
	if err != nil {
		t.Fatalf("ListOpenPauses: %v", err)
	}
	if len(open) != 1 || open[0].ExecutionID != "b" {
		t.Errorf("open pauses = %+v, want only b", open)
	}
}

func TestMemoryLedgerLeaseExclusive(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()
	led.CreateExecution(ctx, newExec("e1"))

	ok, err := led.AcquireLease(ctx, "e1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, _ = led.AcquireLease(ctx, "e1", "owner-b", time.Minute)
	if ok {
		t.Error("second owner acquired a held lease")
	}

	// Re-acquisition by the holder extends, release by a non-holder is a
	// no-op, release by the holder frees it.
	if ok, _ = led.AcquireLease(ctx, "e1", "owner-a", time.Minute); !ok {
		t.Error("holder could not re-acquire")
	}
	led.ReleaseLease(ctx, "e1", "owner-b")
	if ok, _ = led.AcquireLease(ctx, "e1", "owner-b", time.Minute); ok {
		t.Error("foreign release freed the lease")
	}
	led.ReleaseLease(ctx, "e1", "owner-a")
	if ok, _ = led.AcquireLease(ctx, "e1", "owner-b", time.Minute); !ok {
		t.Error("lease not acquirable after release")
	}
}

func TestMemoryLedgerLeaseExpiry(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()
	led.CreateExecution(ctx, newExec("e1"))

	led.AcquireLease(ctx, "e1", "owner-a", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ok, _ := led.AcquireLease(ctx, "e1", "owner-b", time.Minute)
	if !ok {
		t.Error("expired lease not reclaimable")
	}
}

func TestMemoryLedgerEventsSinceAndTrim(t *testing.T) {
	led := NewMemoryLedger(&Config{EventMaxLen: 3})
	ctx := context.Background()
	led.CreateExecution(ctx, newExec("e1"))

	for i := 0; i < 5; i++ {
		if _, err := led.AppendEvent(ctx, "e1", &types.EventInput{Type: types.EventTypeProgress, Progress: i}); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	all, _ := led.GetEventsSince(ctx, "e1", "")
	if len(all) != 3 {
		t.Fatalf("events after trim = %d, want 3", len(all))
	}
	// Ids keep counting across the trim; resumption is by id, not position.
	if all[0].ID != "3" || all[2].ID != "5" {
		t.Errorf("event ids = %s..%s, want 3..5", all[0].ID, all[2].ID)
	}

	since, _ := led.GetEventsSince(ctx, "e1", "4")
	if len(since) != 1 || since[0].ID != "5" {
		t.Errorf("events since 4 = %+v", since)
	}
}

func TestMemoryLedgerSubscribe(t *testing.T) {
	led := NewMemoryLedger(nil)
	ctx := context.Background()
	led.CreateExecution(ctx, newExec("e1"))

	ch, cleanup, err := led.Subscribe(ctx, "e1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	sent, _ := led.AppendEvent(ctx, "e1", &types.EventInput{Type: types.EventTypeProgress, Progress: 42})

	select {
	case got := <-ch:
		if got.ID != sent.ID || got.Progress != 42 {
			t.Errorf("received %+v, want %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}

	cleanup()
	if _, open := <-ch; open {
		t.Error("channel still open after cleanup")
	}
	// Double cleanup must not panic.
	cleanup()
}
