// internal/upstream/openrouter.go
// Synchronous-completion provider client (OpenRouter). A job is one chat
// completion round trip with image modality enabled; there is no
// intermediate progress, so onProgress is never invoked.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ChatClient talks to the OpenRouter chat-completions API.
type ChatClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewChatClient creates a chat client. baseURL is the API root
// (https://openrouter.ai/api/v1 in production).
func NewChatClient(baseURL, apiKey string) *ChatClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	return &ChatClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Transport: transport},
	}
}

// chatResponse is the subset of a chat completion the proxy consumes.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Images []json.RawMessage `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

// chatImage covers the two shapes OpenRouter uses for produced images:
// a bare URL string handled separately, or an object with a nested
// image_url.
type chatImage struct {
	URL      string `json:"url"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// Submit implements JobClient.
func (c *ChatClient) Submit(ctx context.Context, req JobRequest, _ ProgressFunc) (*JobResult, error) {
	content := []map[string]any{
		{"type": "text", "text": req.Prompt},
	}
	if req.ImageRef != "" {
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": req.ImageRef},
		})
	}

	payload := map[string]any{
		"model": req.ModelOrEndpoint,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
		"modalities": []string{"text", "image"},
	}
	if req.AspectRatio != "" {
		payload["image_config"] = map[string]any{"aspect_ratio": req.AspectRatio}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errf("failed to encode chat payload: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errf("failed to build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
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

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, &Error{Message: fmt.Sprintf("malformed chat response: %v", err), Raw: raw}
	}

	var assets []Asset
	if len(chat.Choices) > 0 {
		for _, img := range chat.Choices[0].Message.Images {
			if u := chatImageURL(img); u != "" {
				assets = append(assets, Asset{URL: u})
			}
		}
	}

	return &JobResult{
		Assets:    assets,
		RequestID: chat.ID,
		Data:      raw,
	}, nil
}

// chatImageURL extracts a usable URL from one produced-image entry.
func chatImageURL(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var img chatImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return ""
	}
	if img.URL != "" {
		return img.URL
	}
	return img.ImageURL.URL
}
