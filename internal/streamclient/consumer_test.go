// internal/streamclient/consumer_test.go
// Package streamclient provides unit tests for the SSE consumer.
package streamclient

import (
	"context"
	"strings"
	"testing"
)

// TestParserReassemblesSplitFrames verifies that frames split at
// arbitrary chunk boundaries are reassembled intact and in order.
func TestParserReassemblesSplitFrames(t *testing.T) {
	stream := "event: update\ndata: {\"status\":\"IN_QUEUE\"}\n\n" +
		"event: update\ndata: {\"status\":\"IN_PROGRESS\"}\n\n" +
		"event: completed\ndata: {\"data\":{\"images\":[{\"url\":\"https://cdn.example/a.png\"}]},\"requestId\":\"req-1\"}\n\n"

	// Feed the same stream at every possible split point; the parsed
	// events must not depend on chunking.
	for split := 1; split < len(stream); split++ {
		var p Parser
		events := p.Feed([]byte(stream[:split]))
		events = append(events, p.Feed([]byte(stream[split:]))...)

		if len(events) != 3 {
			t.Fatalf("split %d: event count got %d want 3", split, len(events))
		}
		if events[0].Name != "update" || events[1].Name != "update" || events[2].Name != "completed" {
			t.Fatalf("split %d: event order got %q %q %q", split, events[0].Name, events[1].Name, events[2].Name)
		}
	}
}

// TestParserSkipsIncompleteTrailingFrame verifies that bytes after the
// last blank line stay buffered until the frame completes.
func TestParserSkipsIncompleteTrailingFrame(t *testing.T) {
	var p Parser
	events := p.Feed([]byte("event: update\ndata: {\"status\":\"IN_QUEUE\"}\n\nevent: upd"))
	if len(events) != 1 {
		t.Fatalf("event count: got %d want 1", len(events))
	}
	events = p.Feed([]byte("ate\ndata: {\"status\":\"IN_PROGRESS\"}\n\n"))
	if len(events) != 1 || events[0].Name != "update" {
		t.Fatalf("buffered frame should complete on the next chunk, got %+v", events)
	}
}

// TestConsumerPhaseSequence verifies the status token mapping:
// IN_QUEUE maps to queued, IN_PROGRESS to running, the completed event
// to completed; unrecognized status text leaves the phase unchanged.
func TestConsumerPhaseSequence(t *testing.T) {
	c := NewConsumer()
	if c.Phase() != PhaseIdle {
		t.Fatalf("initial phase: got %q want %q", c.Phase(), PhaseIdle)
	}

	c.Feed([]byte("event: update\ndata: {\"status\":\"IN_QUEUE\",\"queue_position\":3}\n\n"))
	if c.Phase() != PhaseQueued {
		t.Errorf("after queue update: got %q want %q", c.Phase(), PhaseQueued)
	}

	// Case and surrounding text must not matter for the mapping.
	c.Feed([]byte("event: update\ndata: {\"status\":\"in_progress\"}\n\n"))
	if c.Phase() != PhaseRunning {
		t.Errorf("after progress update: got %q want %q", c.Phase(), PhaseRunning)
	}

	c.Feed([]byte("event: update\ndata: {\"status\":\"SOMETHING_NEW\"}\n\n"))
	if c.Phase() != PhaseRunning {
		t.Errorf("unrecognized status should not move the phase, got %q", c.Phase())
	}

	c.Feed([]byte("event: completed\ndata: {\"data\":{\"images\":[{\"url\":\"https://cdn.example/a.png\"}]},\"requestId\":\"req-1\",\"logs\":[\"done\"]}\n\n"))
	if c.Phase() != PhaseCompleted {
		t.Fatalf("after completed: got %q want %q", c.Phase(), PhaseCompleted)
	}
	if c.RequestID() != "req-1" {
		t.Errorf("requestID: got %q want %q", c.RequestID(), "req-1")
	}
	if len(c.Images()) != 1 || c.Images()[0] != "https://cdn.example/a.png" {
		t.Errorf("images: got %v", c.Images())
	}

	// Events after a terminal phase are ignored.
	c.Feed([]byte("event: error\ndata: {\"error\":\"too late\"}\n\n"))
	if c.Phase() != PhaseCompleted || c.Err() != nil {
		t.Errorf("terminal phase must be sticky, got %q err %v", c.Phase(), c.Err())
	}
}

// TestConsumerErrorEvent verifies the terminal error mapping.
func TestConsumerErrorEvent(t *testing.T) {
	c := NewConsumer()
	c.Feed([]byte("event: error\ndata: {\"error\":\"job FAILED\"}\n\n"))
	if c.Phase() != PhaseError {
		t.Fatalf("phase: got %q want %q", c.Phase(), PhaseError)
	}
	if err := c.Err(); err == nil || err.Error() != "job FAILED" {
		t.Errorf("err: got %v want job FAILED", err)
	}
}

// TestConsumerCancel verifies that cancel is silent, and a no-op after
// a terminal phase.
func TestConsumerCancel(t *testing.T) {
	c := NewConsumer()
	c.Feed([]byte("event: update\ndata: {\"status\":\"IN_QUEUE\"}\n\n"))
	c.Cancel()
	if c.Phase() != PhaseCancelled {
		t.Fatalf("phase: got %q want %q", c.Phase(), PhaseCancelled)
	}
	if c.Err() != nil {
		t.Errorf("cancellation must not surface as an error, got %v", c.Err())
	}

	done := NewConsumer()
	done.Feed([]byte("event: completed\ndata: {\"data\":{}}\n\n"))
	done.Cancel()
	if done.Phase() != PhaseCompleted {
		t.Errorf("cancel after terminal should be a no-op, got %q", done.Phase())
	}
}

// TestNormalizeAssets verifies asset normalization: URL entries pass
// through, inline content becomes a data URI, order is preserved, and
// the single-image shape is handled.
func TestNormalizeAssets(t *testing.T) {
	refs := NormalizeAssets([]byte(`{"images":[
		{"url":"https://cdn.example/a.png"},
		{"content":"AAAA","content_type":"image/jpeg"},
		{"content":"BBBB"}
	]}`))
	want := []string{
		"https://cdn.example/a.png",
		"data:image/jpeg;base64,AAAA",
		"data:image/png;base64,BBBB",
	}
	if len(refs) != len(want) {
		t.Fatalf("ref count: got %d want %d (%v)", len(refs), len(want), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d: got %q want %q", i, refs[i], want[i])
		}
	}

	single := NormalizeAssets([]byte(`{"image":{"url":"https://cdn.example/only.png"}}`))
	if len(single) != 1 || single[0] != "https://cdn.example/only.png" {
		t.Errorf("single image shape: got %v", single)
	}

	// Entries with neither a URL nor content cannot be rendered and
	// must not surface as empty references.
	sparse := NormalizeAssets([]byte(`{"images":[{"url":"https://cdn.example/a.png"},{"width":512},{"content":"CCCC"}]}`))
	if len(sparse) != 2 || sparse[0] != "https://cdn.example/a.png" || sparse[1] != "data:image/png;base64,CCCC" {
		t.Errorf("sparse entries: got %v", sparse)
	}
}

// TestConsumeReadsStreamToCompletion verifies the read loop end to end.
func TestConsumeReadsStreamToCompletion(t *testing.T) {
	stream := "event: update\ndata: {\"status\":\"IN_QUEUE\"}\n\n" +
		"event: completed\ndata: {\"data\":{\"images\":[{\"url\":\"https://cdn.example/a.png\"}]}}\n\n"

	c := NewConsumer()
	if err := c.Consume(context.Background(), strings.NewReader(stream)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Phase() != PhaseCompleted {
		t.Errorf("phase: got %q want %q", c.Phase(), PhaseCompleted)
	}
}

// TestConsumeCancelledContext verifies that context cancellation maps
// to the silent cancelled phase.
func TestConsumeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumer()
	if err := c.Consume(ctx, strings.NewReader("event: update\ndata: {}\n\n")); err != nil {
		t.Fatalf("cancellation must be silent, got %v", err)
	}
	if c.Phase() != PhaseCancelled {
		t.Errorf("phase: got %q want %q", c.Phase(), PhaseCancelled)
	}
}
