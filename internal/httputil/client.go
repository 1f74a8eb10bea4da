// Package httputil provides the authenticated JSON client used by the domain
// services to talk to the requirements backend.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/reqdesk/reqdesk/internal/app/metrics"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/logging"
)

const (
	// TraceIDHeader carries the request trace ID to the backend.
	TraceIDHeader = "X-Trace-ID"

	maxErrorBody    = 64 << 10
	maxResponseBody = 8 << 20
)

// TokenSource supplies the bearer token attached to every request. ok is
// false when no usable token is available.
type TokenSource interface {
	Token() (token string, ok bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, bool)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, bool) { return f() }

// =============================================================================
// Client
// =============================================================================

// Client issues JSON requests against the backend REST API, attaching the
// bearer token and a trace ID, and turning non-2xx responses into typed errors.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	userAgent      string
	limiter        *rate.Limiter
	tokens         TokenSource
	log            *logging.Logger
	onUnauthorized func()
}

// Config configures the client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables limiting
	Burst     int
	UserAgent string
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
	Logger     *logging.Logger
	// OnUnauthorized runs after any 401 response, e.g. to drop the session.
	OnUnauthorized func()
}

// NewClient creates a client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: metrics.InstrumentTransport(http.DefaultTransport),
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:      cfg.UserAgent,
		limiter:        rate.NewLimiter(limit, burst),
		log:            log,
		onUnauthorized: cfg.OnUnauthorized,
	}, nil
}

// SetTokenSource sets the source of the bearer token.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes a request. query may be nil; body, when non-nil, is sent as JSON.
// Transport failures are returned as network errors; the response status is
// not inspected, see DecodeResponse.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Internal("marshal request body", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, errors.Internal("create request", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	traceID := logging.GetTraceID(ctx)
	if traceID == "" {
		traceID = logging.NewTraceID()
		ctx = logging.WithTraceID(ctx, traceID)
	}
	req.Header.Set(TraceIDHeader, traceID)

	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Network(err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.LogRequest(ctx, method, path, 0, time.Since(start))
		return nil, errors.Network(err)
	}
	c.log.LogRequest(ctx, method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}
	return resp, nil
}

// JSON executes a request and decodes the response into target (which may be nil).
func (c *Client) JSON(ctx context.Context, method, path string, query url.Values, body, target interface{}) error {
	resp, err := c.Do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, target)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put performs a PUT request with JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Patch performs a PATCH request with JSON body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// =============================================================================
// Response decoding
// =============================================================================

// DecodeResponse decodes a JSON response into target. Responses with status
// >= 400 become *errors.ServiceError with the backend's message.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := readAllWithLimit(resp.Body, maxErrorBody)
		if err != nil {
			return errors.Network(fmt.Errorf("read error response body: %w", err))
		}
		msg := ErrorMessage(body)
		if truncated && msg == strings.TrimSpace(string(body)) {
			msg += "...(truncated)"
		}
		return errors.HTTP(resp.StatusCode, msg)
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
			return errors.Network(fmt.Errorf("discard response body: %w", err))
		}
		return nil
	}

	body, truncated, err := readAllWithLimit(resp.Body, maxResponseBody)
	if err != nil {
		return errors.Network(fmt.Errorf("read response body: %w", err))
	}
	if truncated {
		return errors.Internal("decode response", fmt.Errorf("response exceeds %d bytes", maxResponseBody))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return errors.Internal("decode response", err)
	}
	return nil
}

// ErrorMessage extracts a human readable message from an error body. It
// understands {"detail": "..."}, {"detail": [{"msg": "..."}]},
// {"message": "..."}, {"error": "..."} and {"error": {"message": "..."}};
// anything else is returned trimmed.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)

		detail := parsed.Get("detail")
		if detail.IsArray() {
			var msgs []string
			for _, item := range detail.Array() {
				if m := item.Get("msg").String(); m != "" {
					msgs = append(msgs, m)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		} else if detail.Type == gjson.String && detail.String() != "" {
			return detail.String()
		}

		for _, path := range []string{"message", "error.message", "error"} {
			if v := parsed.Get(path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	return strings.TrimSpace(string(body))
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
