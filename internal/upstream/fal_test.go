// internal/upstream/fal_test.go
// Package upstream provides unit tests for the queue client against a
// scripted fake provider.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newQueueServer builds a fake queue provider: POST to the endpoint
// returns the submit acknowledgement, the status URL serves the scripted
// statuses in order, and the response URL serves the result payload.
func newQueueServer(t *testing.T, statuses []string, result string) *httptest.Server {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/fal-ai/flux/dev", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("submit method: got %s want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Key test-key" {
			t.Errorf("submit auth header: got %q", auth)
		}
		var input map[string]any
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Errorf("submit body is not JSON: %v", err)
		}
		if input["prompt"] != "a cat" {
			t.Errorf("submit prompt: got %v", input["prompt"])
		}
		fmt.Fprintf(w, `{"request_id":"req-1","status_url":"%s/status","response_url":"%s/result"}`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("logs") != "1" {
			t.Errorf("status poll should request logs, query %q", r.URL.RawQuery)
		}
		n := atomic.AddInt32(&polls, 1)
		idx := int(n) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		_, _ = w.Write([]byte(statuses[idx]))
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(result))
	})

	srv = httptest.NewServer(mux)
	return srv
}

// TestQueueSubmitPollComplete verifies the full queue lifecycle:
// submit, poll through queue and progress states with progress
// callbacks, then fetch and normalize the result.
func TestQueueSubmitPollComplete(t *testing.T) {
	srv := newQueueServer(t,
		[]string{
			`{"status":"IN_QUEUE","queue_position":2}`,
			`{"status":"IN_PROGRESS","logs":[{"message":"rendering"}]}`,
			`{"status":"COMPLETED"}`,
		},
		`{"images":[{"url":"https://cdn.example/a.png"}]}`,
	)
	defer srv.Close()

	c := NewQueueClient(srv.URL, "test-key")
	c.pollInterval = time.Millisecond

	var updates []Update
	res, err := c.Submit(context.Background(), JobRequest{
		ModelOrEndpoint: "fal-ai/flux/dev",
		Prompt:          "a cat",
	}, func(u Update) { updates = append(updates, u) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.RequestID != "req-1" {
		t.Errorf("requestID: got %q want req-1", res.RequestID)
	}
	if len(res.Assets) != 1 || res.Assets[0].URL != "https://cdn.example/a.png" {
		t.Errorf("assets: got %+v", res.Assets)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "rendering" {
		t.Errorf("logs: got %v", res.Logs)
	}

	if len(updates) < 2 {
		t.Fatalf("update count: got %d want at least 2", len(updates))
	}
	if updates[0].Status != "IN_QUEUE" || updates[0].QueuePosition == nil || *updates[0].QueuePosition != 2 {
		t.Errorf("first update: got %+v", updates[0])
	}
	if updates[1].Status != "IN_PROGRESS" {
		t.Errorf("second update: got %+v", updates[1])
	}
}

// TestQueueFailedJob verifies that a FAILED status surfaces as a
// provider error carrying the raw status payload.
func TestQueueFailedJob(t *testing.T) {
	srv := newQueueServer(t,
		[]string{`{"status":"FAILED"}`},
		`{}`,
	)
	defer srv.Close()

	c := NewQueueClient(srv.URL, "test-key")
	c.pollInterval = time.Millisecond

	_, err := c.Submit(context.Background(), JobRequest{ModelOrEndpoint: "fal-ai/flux/dev", Prompt: "a cat"}, nil)
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if len(ue.Raw) == 0 {
		t.Error("failed job should carry the raw status payload")
	}
}

// TestQueueSubmitRejected verifies that a non-2xx submit response is
// normalized to a provider error.
func TestQueueSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid key"}`))
	}))
	defer srv.Close()

	c := NewQueueClient(srv.URL, "bad-key")
	_, err := c.Submit(context.Background(), JobRequest{ModelOrEndpoint: "fal-ai/flux/dev", Prompt: "a cat"}, nil)
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Message == "" || len(ue.Raw) == 0 {
		t.Errorf("rejection should carry message and raw body, got %+v", ue)
	}
}

// TestQueueCancellationPassesThrough verifies that cancelling the
// context during polling returns the context error, not a provider
// error.
func TestQueueCancellationPassesThrough(t *testing.T) {
	srv := newQueueServer(t,
		[]string{`{"status":"IN_QUEUE"}`},
		`{}`,
	)
	defer srv.Close()

	c := NewQueueClient(srv.URL, "test-key")
	c.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Submit(ctx, JobRequest{ModelOrEndpoint: "fal-ai/flux/dev", Prompt: "a cat"}, func(Update) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !IsCancellation(err) {
		t.Error("IsCancellation should report true for the returned error")
	}
}
