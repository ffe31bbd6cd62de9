// internal/model/zapp.go
// Package model defines the data structures used throughout the zapp proxy.
// These structures represent the request/response bodies for the generation
// endpoints and the persisted history entries.
package model

import (
	"encoding/json"
	"time"
)

// Provider identifies an upstream image-generation provider.
type Provider string

const (
	ProviderFal        Provider = "fal"        // Queue-based provider (fal.ai)
	ProviderOpenRouter Provider = "openrouter" // Synchronous multimodal chat provider
)

// Mode identifies an operation class. It doubles as the rate-limit scope.
type Mode string

const (
	ModeGenerate Mode = "generate" // Text-to-image generation
	ModeEdit     Mode = "edit"     // Image-to-image editing
)

// AspectRatios lists the aspect ratios accepted by the OpenRouter
// generate endpoint's image_config passthrough.
var AspectRatios = []string{
	"1:1", "16:9", "9:16", "4:3", "3:4", "2:3", "3:2", "4:5", "5:4", "21:9",
}

// ValidAspectRatio reports whether ratio is one of the accepted values.
func ValidAspectRatio(ratio string) bool {
	for _, r := range AspectRatios {
		if r == ratio {
			return true
		}
	}
	return false
}

// GenerateRequest is the request body for the generate endpoints.
// Endpoint is used by the fal routes, Model by the OpenRouter routes;
// both fall back to the catalog default when empty.
type GenerateRequest struct {
	Endpoint    string         `json:"endpoint,omitempty"`    // fal queue endpoint, e.g. "fal-ai/flux/dev"
	Model       string         `json:"model,omitempty"`       // OpenRouter model identifier
	Prompt      string         `json:"prompt"`                // Required prompt text
	AspectRatio string         `json:"aspectRatio,omitempty"` // OpenRouter image_config passthrough
	Params      map[string]any `json:"params,omitempty"`      // Open model-specific parameters
}

// EditRequest is the request body for the edit endpoints. An image must be
// supplied either as a public URL or as inline base64 bytes.
type EditRequest struct {
	Endpoint    string         `json:"endpoint,omitempty"`
	Model       string         `json:"model,omitempty"`
	Prompt      string         `json:"prompt"`
	ImageURL    string         `json:"imageUrl,omitempty"`    // Public image URL
	ImageBase64 string         `json:"imageBase64,omitempty"` // Base64 without data URL prefix
	MimeType    string         `json:"mimeType,omitempty"`    // e.g. image/png; defaults to image/png
	Params      map[string]any `json:"params,omitempty"`
}

// ImageRef resolves the edit input to a URL or data URI, matching the
// representation the upstream providers accept.
func (r EditRequest) ImageRef() string {
	if r.ImageURL != "" {
		return r.ImageURL
	}
	if r.ImageBase64 == "" {
		return ""
	}
	mime := r.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + r.ImageBase64
}

// GenerateResponse is the non-streaming success body for generate and edit.
type GenerateResponse struct {
	Images    []string        `json:"images"`             // Renderable references, one per produced asset
	RequestID string          `json:"requestId,omitempty"` // Opaque upstream request identifier
	Logs      []string        `json:"logs,omitempty"`      // Upstream execution logs, when reported
	Raw       json.RawMessage `json:"raw,omitempty"`       // Opaque provider payload
}

// HistoryEntry is one append-only record of a terminal job outcome.
// It corresponds to the history table in storage. Entries are never
// mutated after insert.
type HistoryEntry struct {
	ID              int64           `json:"id" db:"id"`
	UserID          *string         `json:"userId,omitempty" db:"user_id"` // Authenticated subject, nil when anonymous
	Provider        Provider        `json:"provider" db:"provider"`
	Mode            Mode            `json:"mode" db:"mode"`
	ModelOrEndpoint string          `json:"modelOrEndpoint" db:"model_or_endpoint"`
	Prompt          string          `json:"prompt" db:"prompt"`
	NegativePrompt  *string         `json:"negativePrompt,omitempty" db:"negative_prompt"`
	GuidanceScale   *float64        `json:"guidanceScale,omitempty" db:"guidance_scale"`
	Seed            *int64          `json:"seed,omitempty" db:"seed"`
	NumImages       *int64          `json:"numImages,omitempty" db:"num_images"`
	Status          string          `json:"status" db:"status"` // "completed" or "error"
	DurationMS      *int64          `json:"durationMs,omitempty" db:"duration_ms"`
	IP              *string         `json:"ip,omitempty" db:"ip"` // Caller network address
	RequestID       *string         `json:"requestId,omitempty" db:"request_id"`
	RawResponse     json.RawMessage `json:"rawResponse,omitempty" db:"raw_response"` // Opaque upstream payload
	ResultURLs      []string        `json:"resultUrls,omitempty" db:"result_urls"`
	Error           *string         `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// HistoryListItem is the trimmed projection returned by the history listing.
type HistoryListItem struct {
	ID              int64     `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	Provider        Provider  `json:"provider"`
	Mode            Mode      `json:"mode"`
	ModelOrEndpoint string    `json:"modelOrEndpoint"`
	Prompt          string    `json:"prompt"`
	ResultURLs      []string  `json:"resultUrls,omitempty"`
}

// RecordHistoryRequest is the body for client-reported history entries
// (outcomes observed on the client, e.g. client-side provider calls).
type RecordHistoryRequest struct {
	Provider        Provider        `json:"provider"`
	Mode            Mode            `json:"mode"`
	ModelOrEndpoint string          `json:"modelOrEndpoint"`
	Prompt          string          `json:"prompt"`
	NegativePrompt  *string         `json:"negativePrompt,omitempty"`
	GuidanceScale   *float64        `json:"guidanceScale,omitempty"`
	Seed            *int64          `json:"seed,omitempty"`
	NumImages       *int64          `json:"numImages,omitempty"`
	Status          string          `json:"status"`
	DurationMS      *int64          `json:"durationMs,omitempty"`
	RequestID       *string         `json:"requestId,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	ResultURLs      []string        `json:"resultUrls,omitempty"`
	Error           *string         `json:"error,omitempty"`
}
