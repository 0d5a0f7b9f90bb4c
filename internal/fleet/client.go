package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	clientUserAgent       = "ethoscope-node/1.0"

	// Two additional attempts after the first failure.
	maxRetries     = 2
	backoffBase    = 250 * time.Millisecond
	backoffCeiling = 5 * time.Second
)

// Client is the JSON HTTP client used to talk to devices. Transport
// failures and HTTP >= 400 become NetworkError and are retried with
// bounded exponential backoff; empty or malformed payloads become
// ScanError and are not retried. Callers only ever see the final
// outcome, never a net/http error type.
type Client struct {
	hc     *http.Client
	logger *zap.Logger
}

// NewClient creates a device HTTP client. Per-request timeouts are
// enforced through contexts, so the underlying client carries none.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		hc:     &http.Client{},
		logger: logger,
	}
}

// GetJSON fetches url and decodes the JSON response. A non-nil post
// is serialised as a JSON body and the request becomes a POST. The
// timeout applies per attempt; zero means the 5 s default.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration, post any) (map[string]any, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCeiling {
				delay = backoffCeiling
			}
			select {
			case <-ctx.Done():
				return nil, &NetworkError{URL: url, Err: ctx.Err()}
			case <-time.After(delay):
			}
			c.logger.Debug("retrying device request",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
			)
		}

		result, err := c.doOnce(ctx, url, timeout, post)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Payload errors are not transient; retrying cannot help.
		if _, ok := err.(*ScanError); ok {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string, timeout time.Duration, post any) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	method := http.MethodGet
	if post != nil {
		method = http.MethodPost
		switch v := post.(type) {
		case []byte:
			body = bytes.NewReader(v)
		default:
			data, err := json.Marshal(post)
			if err != nil {
				return nil, &ScanError{Reason: "encode request body", Err: err}
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", clientUserAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if len(data) == 0 {
		return nil, &ScanError{Reason: fmt.Sprintf("empty response from %s", url)}
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &ScanError{Reason: fmt.Sprintf("malformed response from %s", url), Err: err}
	}
	return result, nil
}
