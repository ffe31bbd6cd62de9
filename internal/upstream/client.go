// internal/upstream/client.go
// Package upstream wraps the third-party image-generation providers behind
// a single job-submission capability. One provider is queue-based and
// reports intermediate status, the other completes in a single round trip;
// callers see the same interface for both and never special-case them.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JobRequest is the normalized job submission. ModelOrEndpoint selects the
// provider-side model or queue endpoint; Params is passed through opaquely.
type JobRequest struct {
	ModelOrEndpoint string
	Prompt          string
	ImageRef        string // URL or data URI of the input image, empty for generate
	AspectRatio     string // Optional aspect ratio hint (chat provider only)
	Params          map[string]any
}

// Update is one intermediate status snapshot from a queue-based provider.
// Raw carries the provider payload verbatim; Status and QueuePosition are
// extracted for logging and are best-effort.
type Update struct {
	Status        string
	QueuePosition *int
	Raw           json.RawMessage
}

// ProgressFunc receives intermediate updates. It may be invoked zero or
// more times before Submit returns, and never after.
type ProgressFunc func(Update)

// Asset is one produced image, given either as a retrievable URL or as
// inline base64 content with a declared media type.
type Asset struct {
	URL         string `json:"url,omitempty"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Ref returns a directly renderable reference for the asset: the URL when
// present, otherwise a data URI built from the inline content.
func (a Asset) Ref() string {
	if a.URL != "" {
		return a.URL
	}
	if a.Content == "" {
		return ""
	}
	ct := a.ContentType
	if ct == "" {
		ct = "image/png"
	}
	return "data:" + ct + ";base64," + a.Content
}

// JobResult is the normalized terminal result of a job.
type JobResult struct {
	Assets    []Asset         // Produced assets in provider order
	RequestID string          // Opaque provider request identifier
	Logs      []string        // Provider execution logs, when reported
	Data      json.RawMessage // Opaque provider result payload
}

// JobClient submits a job and blocks until its terminal result. onProgress
// may be nil. The call observes ctx: on cancellation it stops invoking
// onProgress, releases the underlying connection and returns promptly with
// ctx.Err(). There is no guarantee the job stops executing remotely.
type JobClient interface {
	Submit(ctx context.Context, req JobRequest, onProgress ProgressFunc) (*JobResult, error)
}

// Error normalizes provider-side failures: transport errors, non-success
// statuses and malformed payloads all surface as *Error.
type Error struct {
	Message string
	Raw     json.RawMessage // Raw provider payload, when one was received
}

func (e *Error) Error() string {
	return e.Message
}

// IsCancellation reports whether err is a context cancellation rather
// than a provider failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errf builds an *Error without a raw payload.
func errf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// falData is the subset of a fal result payload that carries assets.
type falData struct {
	Images []Asset `json:"images"`
	Image  *Asset  `json:"image"`
}

// ExtractAssets pulls the produced assets out of a provider result
// payload, handling both the images-array and single-image shapes.
// Order is preserved. Entries that carry neither a URL nor content
// cannot be rendered and are dropped; the raw payload still shows them.
func ExtractAssets(data json.RawMessage) []Asset {
	if len(data) == 0 {
		return nil
	}
	var d falData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	entries := d.Images
	if len(entries) == 0 && d.Image != nil {
		entries = []Asset{*d.Image}
	}
	var out []Asset
	for _, a := range entries {
		if a.URL != "" || a.Content != "" {
			out = append(out, a)
		}
	}
	return out
}
