// internal/media/s3.go
// Package media provides an S3-compatible mirror for generated assets.
// Upstream asset URLs are short-lived; the mirror fetches completed
// assets and stores durable copies. Mirroring is best-effort and runs
// after the response has been delivered.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// Mirror copies generated assets into an S3-compatible bucket.
type Mirror struct {
	client     *s3.Client   // AWS S3 client
	bucket     string       // S3 bucket name for mirrored assets
	httpClient *http.Client // Client used to fetch upstream asset URLs
}

// NewMirror creates a mirror for the given S3-compatible endpoint. It
// supports both AWS S3 and services like MinIO.
func NewMirror(endpoint, region, bucket, accessKey, secretKey string) (*Mirror, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Mirror{
		client: client,
		bucket: bucket,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// MirrorAsync copies the given asset URLs in the background. Data URIs
// and fetch or upload failures are skipped with a warning; the mirror
// never affects the request that produced the assets.
func (m *Mirror) MirrorAsync(urls []string) {
	if m == nil || len(urls) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		for _, url := range urls {
			if strings.HasPrefix(url, "data:") {
				continue
			}
			if key, err := m.mirrorOne(ctx, url); err != nil {
				slog.Warn("failed to mirror asset", "url", url, "error", err)
			} else {
				slog.Debug("mirrored asset", "url", url, "key", key)
			}
		}
	}()
}

// mirrorOne fetches one asset and uploads it under a ULID key.
func (m *Mirror) mirrorOne(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asset fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read asset body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := "assets/" + ulid.Make().String() + extensionFor(contentType)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}

	return key, nil
}

// extensionFor maps the common image content types to file extensions.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}
