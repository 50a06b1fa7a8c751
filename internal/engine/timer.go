package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerService arms one wake-up per open pause request. Nothing polls: the
// durable deadline lives in the ledger, and the in-process timer only fires
// the expiry callback. Rehydrate re-arms timers after a restart.
type TimerService struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(execID string)
	logger *slog.Logger
}

// NewTimerService creates a timer service that calls fire with the execution
// id when a pause deadline elapses.
func NewTimerService(fire func(execID string), logger *slog.Logger) *TimerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerService{
		timers: make(map[string]*time.Timer),
		fire:   fire,
		logger: logger,
	}
}

// Schedule arms (or re-arms) the wake-up for execID at the given deadline.
// A deadline already in the past fires immediately.
func (t *TimerService) Schedule(execID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.timers[execID]; ok {
		prev.Stop()
	}

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t.timers[execID] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, execID)
		t.mu.Unlock()
		t.fire(execID)
	})
}

// Cancel disarms the wake-up for execID, if any.
func (t *TimerService) Cancel(execID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[execID]; ok {
		timer.Stop()
		delete(t.timers, execID)
	}
}

// Rehydrate re-arms timers for every open pause in the ledger. Called once
// at startup, after crash or redeploy.
func (e *Engine) Rehydrate(ctx context.Context) error {
	pauses, err := e.ledger.ListOpenPauses(ctx)
	if err != nil {
		return err
	}
	for _, pause := range pauses {
		e.timers.Schedule(pause.ExecutionID, pause.ExpiresAt)
		e.logger.Info("rearmed pause timer",
			slog.String("execution_id", pause.ExecutionID),
			slog.String("node_id", pause.NodeID),
			slog.Time("expires_at", pause.ExpiresAt),
		)
	}
	return nil
}
