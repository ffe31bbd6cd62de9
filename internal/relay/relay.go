// internal/relay/relay.go
// Package relay bridges a provider job's progress callbacks to an outbound
// server-sent event stream. Each relayed message is one named event with a
// JSON payload terminated by a blank line:
//
//	event: <update|completed|error>
//	data: <JSON>
//	<blank line>
//
// Exactly one terminal event (completed or error) is emitted per job,
// after all update events — except on cancellation, where none is emitted
// and the stream simply closes. Failures sending an update are swallowed:
// progress is best-effort, only terminal events matter.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/AppleLamps/zapp/internal/upstream"
)

// Event names on the wire.
const (
	EventUpdate    = "update"
	EventCompleted = "completed"
	EventError     = "error"
)

// errorPayload is the data body of an error event.
type errorPayload struct {
	Error string `json:"error"`
}

// completedPayload is the data body of a completed event.
type completedPayload struct {
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Logs      []string        `json:"logs,omitempty"`
}

// Relay writes SSE frames for a single job to one outbound connection.
// It is request-scoped and must not be shared across jobs.
type Relay struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu       sync.Mutex
	terminal bool // set once the terminal event is sent
}

// New prepares w for event streaming and writes the SSE headers. The
// response writer must support flushing; buffered frames defeat the point
// of the stream.
func New(w http.ResponseWriter) (*Relay, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Relay{w: w, flusher: flusher}, nil
}

// send writes one frame and flushes it. The caller holds r.mu.
func (r *Relay) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	r.flusher.Flush()
	return nil
}

// Update relays one intermediate status snapshot. Send failures are
// ignored; a closed connection surfaces later through ctx. Nothing is sent
// after the terminal event.
func (r *Relay) Update(u upstream.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	payload := u.Raw
	if len(payload) == 0 {
		payload, _ = json.Marshal(map[string]any{"status": u.Status})
	}
	if u.QueuePosition != nil {
		slog.Debug("job queued", "queue_position", *u.QueuePosition)
	}
	_ = r.send(EventUpdate, json.RawMessage(payload))
}

// Completed emits the terminal success event. Subsequent terminal calls
// are no-ops.
func (r *Relay) Completed(res *upstream.JobResult) {
	r.sendTerminal(EventCompleted, completedPayload{
		Data:      res.Data,
		RequestID: res.RequestID,
		Logs:      res.Logs,
	})
}

// Error emits the terminal failure event. Subsequent terminal calls are
// no-ops.
func (r *Relay) Error(message string) {
	r.sendTerminal(EventError, errorPayload{Error: message})
}

func (r *Relay) sendTerminal(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	r.terminal = true
	if err := r.send(event, payload); err != nil {
		// Nothing left to tell the client on a dead connection.
		slog.Warn("failed to send terminal event", "event", event, "error", err)
	}
}

// Run drives a job through the relay: progress callbacks become update
// frames and the terminal outcome becomes exactly one completed or error
// frame. On cancellation no terminal frame is written and the underlying
// upstream call is cancelled through ctx; cancellation after the terminal
// event is a no-op. The returned result and error reflect the job outcome
// for the caller's side effects (history, events); a cancellation returns
// ctx's error.
func (r *Relay) Run(ctx context.Context, client upstream.JobClient, req upstream.JobRequest) (*upstream.JobResult, error) {
	result, err := client.Submit(ctx, req, func(u upstream.Update) {
		if ctx.Err() != nil {
			return
		}
		r.Update(u)
	})

	if ctx.Err() != nil || upstream.IsCancellation(err) {
		// Hard cancellation: close without a terminal event.
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	if err != nil {
		r.Error(err.Error())
		return nil, err
	}
	r.Completed(result)
	return result, nil
}
