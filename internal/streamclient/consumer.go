// internal/streamclient/consumer.go
// Package streamclient is the consuming counterpart of the event relay:
// it parses a server-sent event stream incrementally, maps provider status
// vocabulary onto a small phase machine and normalizes terminal assets
// into directly renderable references. It is what a browser client does
// with the stream, expressed as a Go client for programmatic consumers
// and tests.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AppleLamps/zapp/internal/upstream"
)

// Phase is the consumer-visible state of a job.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// terminal reports whether p admits no further transitions.
func (p Phase) terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseCancelled
}

// Event is one parsed SSE frame.
type Event struct {
	Name string
	Data json.RawMessage
}

var frameSep = []byte("\n\n")

// Parser reassembles SSE frames from arbitrarily chunked input. Partial
// frames spanning chunk boundaries are buffered until complete.
type Parser struct {
	buf []byte
}

// Feed appends a chunk and returns the events completed by it. Frames
// missing an event or data line are skipped, matching the wire protocol's
// tolerance for comments and keepalives.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		i := bytes.Index(p.buf, frameSep)
		if i < 0 {
			return events
		}
		frame := p.buf[:i]
		p.buf = p.buf[i+len(frameSep):]

		var name string
		var data []byte
		for _, line := range bytes.Split(frame, []byte("\n")) {
			s := string(line)
			if rest, ok := strings.CutPrefix(s, "event:"); ok {
				name = strings.TrimSpace(rest)
			} else if rest, ok := strings.CutPrefix(s, "data:"); ok {
				data = []byte(strings.TrimSpace(rest))
			}
		}
		if name == "" || data == nil {
			continue
		}
		events = append(events, Event{Name: name, Data: json.RawMessage(data)})
	}
}

// updatePayload is the subset of an update frame the consumer interprets.
type updatePayload struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
}

// completedPayload mirrors the relay's terminal success body.
type completedPayload struct {
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
	Logs      []string        `json:"logs"`
}

// errorPayload mirrors the relay's terminal failure body.
type errorPayload struct {
	Error string `json:"error"`
}

// Consumer applies a parsed event stream to the phase machine.
type Consumer struct {
	parser Parser
	phase  Phase

	images    []string
	requestID string
	raw       json.RawMessage
	logs      []string
	errMsg    string
}

// NewConsumer creates a consumer in the idle phase.
func NewConsumer() *Consumer {
	return &Consumer{phase: PhaseIdle}
}

// Phase returns the current phase.
func (c *Consumer) Phase() Phase { return c.phase }

// Images returns the normalized renderable asset references after a
// completed terminal event.
func (c *Consumer) Images() []string { return c.images }

// RequestID returns the upstream request identifier, when reported.
func (c *Consumer) RequestID() string { return c.requestID }

// Logs returns accumulated consumer-side log lines.
func (c *Consumer) Logs() []string { return c.logs }

// Err returns the terminal failure, or nil.
func (c *Consumer) Err() error {
	if c.phase != PhaseError {
		return nil
	}
	msg := c.errMsg
	if msg == "" {
		msg = "streaming error"
	}
	return errors.New(msg)
}

// Feed parses a chunk of the byte stream and applies any completed events.
func (c *Consumer) Feed(chunk []byte) {
	for _, ev := range c.parser.Feed(chunk) {
		c.apply(ev)
	}
}

// Cancel records a user-initiated abort. Cancelling after a terminal
// phase is a no-op.
func (c *Consumer) Cancel() {
	if c.phase.terminal() {
		return
	}
	c.phase = PhaseCancelled
}

// apply advances the phase machine by one event.
func (c *Consumer) apply(ev Event) {
	if c.phase.terminal() {
		return
	}
	switch ev.Name {
	case "update":
		var u updatePayload
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			return
		}
		status := strings.ToUpper(u.Status)
		switch {
		case strings.Contains(status, "QUEUE"):
			c.phase = PhaseQueued
		case strings.Contains(status, "PROGRESS"):
			c.phase = PhaseRunning
		}
		// Unrecognized status text leaves the phase unchanged.
		if u.QueuePosition != nil {
			c.logs = append(c.logs, fmt.Sprintf("queue position %d", *u.QueuePosition))
		}
	case "completed":
		var p completedPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			c.images = NormalizeAssets(p.Data)
			c.requestID = p.RequestID
			c.raw = ev.Data
			c.logs = append(c.logs, p.Logs...)
		}
		c.phase = PhaseCompleted
	case "error":
		var p errorPayload
		_ = json.Unmarshal(ev.Data, &p)
		c.errMsg = p.Error
		c.phase = PhaseError
	}
}

// NormalizeAssets turns a terminal result payload into renderable
// references: URL entries pass through, inline entries become data URIs.
// Order is preserved.
func NormalizeAssets(data json.RawMessage) []string {
	assets := upstream.ExtractAssets(data)
	refs := make([]string, 0, len(assets))
	for _, a := range assets {
		refs = append(refs, a.Ref())
	}
	return refs
}

// Consume reads the stream until it ends or ctx is cancelled. A
// cancellation — from ctx or from the abort tearing down the connection —
// is a silent transition to the cancelled phase, not an error; a terminal
// error event is returned as an error.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			c.Cancel()
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				if ctx.Err() != nil || c.phase.terminal() {
					// Abort-triggered teardown, not a stream failure.
					c.Cancel()
					return c.Err()
				}
				c.phase = PhaseError
				c.errMsg = err.Error()
			}
			return c.Err()
		}
	}
}
