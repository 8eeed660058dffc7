package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxArtifactBytes = 50 << 20

// HTTPConverter posts report text to an external conversion service.
type HTTPConverter struct {
	baseURL    string
	maxRetries int
	backoff    time.Duration
	client     *http.Client
}

// NewHTTPConverter creates a converter client. Transient failures (network errors,
// timeouts and 5xx responses) are retried up to maxRetries times.
func NewHTTPConverter(baseURL string, timeout time.Duration, maxRetries int) *HTTPConverter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPConverter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		client:     &http.Client{Timeout: timeout},
	}
}

// WithBackoff overrides the base retry delay. Attempt n waits n*backoff.
func (c *HTTPConverter) WithBackoff(d time.Duration) *HTTPConverter {
	c.backoff = d
	return c
}

func (c *HTTPConverter) Name() string { return "http" }

type convertRequest struct {
	Title   string `json:"title"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

func (c *HTTPConverter) Convert(ctx context.Context, title, text string) ([]byte, error) {
	body, err := json.Marshal(convertRequest{Title: title, Format: "markdown", Content: text})
	if err != nil {
		return nil, fmt.Errorf("encoding convert request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v (last error: %v)", ErrConverterTimeout, ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		out, err := c.do(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		slog.Warn("converter request failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *HTTPConverter) do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", ContentTypePDF)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrConverterUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrConversionFailed, resp.StatusCode)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, classifyError(err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrConversionFailed)
	}
	return out, nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrConverterUnavailable) || errors.Is(err, ErrConverterTimeout)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrConverterTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConverterTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrConverterUnavailable, err)
}

var _ Converter = (*HTTPConverter)(nil)
