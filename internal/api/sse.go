package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/docflow/internal/ledger"
	"github.com/flexinfer/docflow/internal/metrics"
	"github.com/flexinfer/docflow/pkg/types"
)

// StreamEvents handles GET /api/v1/executions/{id}/events
// It implements Server-Sent Events (SSE) for streaming execution events.
// Clients resume after a disconnect by sending Last-Event-ID.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	execID := vars["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("execution_id", execID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	exec, err := h.store.GetExecution(ctx, execID)
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get execution", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	// Subscribe before replaying history so no event falls in the gap.
	eventCh, cleanup, err := h.store.Subscribe(ctx, execID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "execution_id", execID)
		return
	}
	defer cleanup()

	events, err := h.store.GetEventsSince(ctx, execID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "execution_id", execID)
	} else {
		for _, evt := range events {
			h.writeSSE(w, flusher, evt)
		}
	}

	// A terminal execution has no more events coming; replay and close.
	if exec.Status.Terminal() {
		h.sendStreamEnd(ctx, w, flusher, execID)
		return
	}

	done := r.Context().Done()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			duration := time.Since(startTime)
			metrics.SSEConnectionDuration.Observe(duration.Seconds())
			h.logger.Info("SSE connection closed (client disconnect)",
				slog.String("execution_id", execID),
				slog.String("request_id", requestID),
				slog.Duration("duration", duration),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, execID)
				duration := time.Since(startTime)
				metrics.SSEConnectionDuration.Observe(duration.Seconds())
				h.logger.Info("SSE connection closed (stream ended)",
					slog.String("execution_id", execID),
					slog.String("request_id", requestID),
					slog.Duration("duration", duration),
				)
				return
			}
			h.writeSSE(w, flusher, evt)
			if evt.Type == types.EventTypeExecutionStatus && evt.Status.Terminal() {
				h.sendStreamEnd(ctx, w, flusher, execID)
				metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event indicating the stream is complete,
// with the execution's terminal status attached.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, execID string) {
	evt := &types.Event{
		ID:          "final",
		ExecutionID: execID,
		Type:        types.EventTypeStreamEnd,
		Timestamp:   time.Now().UTC(),
	}

	exec, err := h.store.GetExecution(ctx, execID)
	if err == nil && exec != nil {
		data := map[string]interface{}{"status": exec.Status}
		if exec.LastError != nil {
			data["error"] = exec.LastError
		}
		dataJSON, _ := json.Marshal(data)
		evt.Data = dataJSON
	}

	h.writeSSE(w, flusher, evt)
}
