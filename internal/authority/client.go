package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const userAgent = "licensecore/1.0"

// Client talks to the remote license authority over its JSON RPC contract.
// It never interprets license state; it only transports it.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit bounds outgoing request rate.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry sets the transport-failure retry budget and base backoff.
func WithRetry(maxRetries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an authority client for the given endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		maxRetries: 2,
		backoff:    2 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate submits a license key and device fingerprint for authoritative
// validation. Transport failures are retried with backoff and surface as
// *TransportError; an authoritative answer, including a rejection, is
// returned as-is with a nil error.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	req.Action = "validate"

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &TransportError{Op: "validate", Err: ctx.Err()}
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "validate", Err: err}
		}

		resp, err := c.post(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var te *TransportError
		if !asTransportError(err, &te) {
			return nil, err
		}
		c.logger.Warn("authority request failed, will retry",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", c.maxRetries+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, payload []byte) (*ValidateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "validate", Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: "validate", Err: err}
	}

	// Server-side failures are transport problems, not authoritative answers.
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, &TransportError{
			Op:  "validate",
			Err: fmt.Errorf("authority returned status %d: %s", httpResp.StatusCode, truncate(body, 200)),
		}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority rejected request with status %d: %s",
			httpResp.StatusCode, truncate(body, 200))
	}

	var resp ValidateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransportError{
			Op:  "validate",
			Err: fmt.Errorf("failed to parse response: %w", err),
		}
	}

	c.logger.Debug("authority validation answered",
		slog.Bool("is_valid", resp.IsValid),
		slog.String("status", resp.Status),
		slog.Duration("duration", time.Since(start)),
	)
	return &resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
