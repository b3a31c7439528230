// Package ocr is the client for the external OCR/entity-extraction
// service. A failed call is retried with exponential backoff up to a
// configured attempt budget; transport errors and 5xx responses are
// retryable, 4xx responses are not.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sethvargo/go-retry"

	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/model"
)

// Extractor is the narrow contract the runner depends on.
type Extractor interface {
	Extract(ctx context.Context, filename string, pdf io.Reader) ([]model.ExtractedEntity, error)
}

// Client calls the OCR endpoint over HTTP.
type Client struct {
	endpoint    string
	apiKey      string
	maxAttempts int
	backoff     func() retry.Backoff
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(cfg config.OCRConfig, logger *slog.Logger) *Client {
	// Below 1 the retry budget would underflow into unlimited retries.
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		maxAttempts: cfg.MaxAttempts,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(cfg.Backoff())
			b = retry.WithJitterPercent(20, b)
			return retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
		},
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     logger.With("component", "ocr"),
	}
}

type extractResponse struct {
	Entities []model.ExtractedEntity `json:"entities"`
}

// Extract submits one PDF and returns the extracted entities. The
// payload is buffered once so the request can be retried.
func (c *Client) Extract(ctx context.Context, filename string, pdf io.Reader) ([]model.ExtractedEntity, error) {
	payload, err := io.ReadAll(pdf)
	if err != nil {
		return nil, fmt.Errorf("read pdf payload: %w", err)
	}

	var entities []model.ExtractedEntity
	attempt := 0
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		ents, err := c.extractOnce(ctx, filename, payload)
		if err != nil {
			c.logger.Warn("ocr call failed",
				"filename", filename,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		entities = ents
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ocr extract after %d attempt(s): %w", attempt, err)
	}
	return entities, nil
}

func (c *Client) extractOnce(ctx context.Context, filename string, payload []byte) ([]model.ExtractedEntity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Filename", filename)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retry.RetryableError(fmt.Errorf("ocr service %d: %s", resp.StatusCode, body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ocr service rejected request (%d): %s", resp.StatusCode, body)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.RetryableError(fmt.Errorf("decode ocr response: %w", err))
	}
	return out.Entities, nil
}
