package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry and backoff constants for the HTTP layer. These cover transport
// flakiness only; record-level retry budgets live in the engine's queue.
const (
	defaultMaxRetries  = 4
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	userAgent          = "fieldsync/0.1"
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; TokenSessionProvider
// in session.go is the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the field data API. It handles request
// construction, authentication, retry with exponential backoff, and
// error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	limiter    *Limiter
	logger     *slog.Logger

	maxRetries  uint64
	baseBackoff time.Duration
}

// NewClient creates an API client. limiter may be nil for unlimited
// bandwidth; httpClient may be nil for http.DefaultClient; token may be
// nil for unauthenticated use, in which case no Authorization header is
// sent.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, limiter *Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		token:       token,
		limiter:     limiter,
		logger:      logger,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// Do executes an HTTP request against the API with transient retry.
// The path is appended to the client's base URL. The body, when non-nil,
// is re-sent on each retry; Content-Type is set to application/json.
// Extra headers are applied after the defaults. The caller is responsible
// for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, extra http.Header) (*http.Response, error) {
	backoff := retry.WithMaxRetries(c.maxRetries,
		retry.WithJitterPercent(25,
			retry.WithCappedDuration(defaultMaxBackoff,
				retry.NewExponential(c.baseBackoff))))

	var resp *http.Response

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.doOnce(ctx, method, path, body, extra)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			c.logger.Warn("retrying after network error",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		// 2xx passes the response through to the caller.
		if r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices {
			resp = r
			return nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(r.Body, 4096))
		r.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		apiErr := &APIError{
			StatusCode: r.StatusCode,
			RequestID:  r.Header.Get("X-Request-Id"),
			Message:    string(bytes.TrimSpace(errBody)),
			Err:        classifyStatus(r.StatusCode),
		}

		if isRetryable(r.StatusCode) {
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", r.StatusCode),
			)

			return retry.RetryableError(apiErr)
		}

		return apiErr
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// doOnce executes a single HTTP request (no retry). Request bodies are
// rate limited through the shared bandwidth limiter.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, extra http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = c.limiter.WrapReader(ctx, bytes.NewReader(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(len(body))
	}

	for key, values := range extra {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	return c.httpClient.Do(req)
}

// bodyReader wraps a response body with the bandwidth limiter so download
// throughput counts against the shared budget.
func (c *Client) bodyReader(ctx context.Context, resp *http.Response) io.Reader {
	return c.limiter.WrapReader(ctx, resp.Body)
}
