// internal/upstream/fal.go
// Queue-based provider client (fal.ai). A job is submitted to the queue
// endpoint, its status polled until a terminal state, and the result
// fetched from the response URL the queue hands back.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// QueueClient talks to the fal.ai queue REST API.
type QueueClient struct {
	baseURL      string
	apiKey       string
	hc           *http.Client
	pollInterval time.Duration
}

// NewQueueClient creates a queue client. baseURL is the queue root
// (https://queue.fal.run in production).
func NewQueueClient(baseURL, apiKey string) *QueueClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	return &QueueClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No client-level timeout: per-call deadlines come from ctx, and a
		// result fetch can legitimately take tens of seconds.
		hc:           &http.Client{Transport: transport},
		pollInterval: defaultPollInterval,
	}
}

// submitResponse is the queue's acknowledgement of a submitted job.
type submitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

// statusResponse is one poll of the queue's status endpoint.
type statusResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

// Submit implements JobClient. Intermediate status snapshots are delivered
// to onProgress as they change; the call returns with the terminal result
// once the queue reports completion.
func (c *QueueClient) Submit(ctx context.Context, req JobRequest, onProgress ProgressFunc) (*JobResult, error) {
	input := make(map[string]any, len(req.Params)+2)
	for k, v := range req.Params {
		input[k] = v
	}
	input["prompt"] = req.Prompt
	if req.ImageRef != "" {
		input["image_url"] = req.ImageRef
	}

	sub, err := c.submit(ctx, req.ModelOrEndpoint, input)
	if err != nil {
		return nil, err
	}

	var logs []string
	lastStatus := ""
	lastPosition := -1
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, raw, err := c.pollStatus(ctx, sub.StatusURL)
		if err != nil {
			return nil, err
		}

		for _, l := range status.Logs {
			logs = append(logs, l.Message)
		}

		switch status.Status {
		case "COMPLETED":
			data, err := c.fetchResult(ctx, sub.ResponseURL)
			if err != nil {
				return nil, err
			}
			return &JobResult{
				Assets:    ExtractAssets(data),
				RequestID: sub.RequestID,
				Logs:      logs,
				Data:      data,
			}, nil
		case "FAILED", "CANCELLED":
			return nil, &Error{Message: fmt.Sprintf("job %s", status.Status), Raw: raw}
		}

		position := -1
		if status.QueuePosition != nil {
			position = *status.QueuePosition
		}
		if onProgress != nil && (status.Status != lastStatus || position != lastPosition) {
			onProgress(Update{Status: status.Status, QueuePosition: status.QueuePosition, Raw: raw})
		}
		lastStatus = status.Status
		lastPosition = position

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// submit enqueues the job.
func (c *QueueClient) submit(ctx context.Context, endpoint string, input map[string]any) (*submitResponse, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, errf("failed to encode job input: %v", err)
	}

	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, errf("invalid endpoint %q: %v", endpoint, err)
	}

	raw, err := c.do(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var sub submitResponse
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, &Error{Message: fmt.Sprintf("malformed queue response: %v", err), Raw: raw}
	}
	if sub.StatusURL == "" || sub.ResponseURL == "" {
		return nil, &Error{Message: "queue response missing status or response URL", Raw: raw}
	}
	return &sub, nil
}

// pollStatus reads one status snapshot, with logs enabled.
func (c *QueueClient) pollStatus(ctx context.Context, statusURL string) (*statusResponse, json.RawMessage, error) {
	u := statusURL
	if parsed, err := url.Parse(statusURL); err == nil {
		q := parsed.Query()
		q.Set("logs", "1")
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	raw, err := c.do(ctx, "GET", u, nil)
	if err != nil {
		return nil, nil, err
	}
	var status statusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, nil, &Error{Message: fmt.Sprintf("malformed status payload: %v", err), Raw: raw}
	}
	return &status, raw, nil
}

// fetchResult reads the terminal result payload.
func (c *QueueClient) fetchResult(ctx context.Context, responseURL string) (json.RawMessage, error) {
	return c.do(ctx, "GET", responseURL, nil)
}

// do executes one authenticated request and returns the response body.
// Non-2xx statuses and transport failures are normalized to *Error, except
// context cancellation which is passed through for the caller to
// distinguish from provider failure.
func (c *QueueClient) do(ctx context.Context, method, u string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errf("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Message: fmt.Sprintf("provider returned %s", resp.Status), Raw: raw}
	}
	return raw, nil
}
