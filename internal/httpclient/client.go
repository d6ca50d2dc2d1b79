// Package httpclient implements the signed HTTP client (C3): a thin wrapper
// over net/http that attaches a bearer token and trace ID to every node
// call, applies per-call deadlines, and classifies failures into the
// domain error taxonomy, per spec §4.3.
package httpclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/domain"
)

// DefaultTimeout is the deadline applied to ordinary node calls.
const DefaultTimeout = 30 * time.Second

// SlowTimeout is the deadline applied to slow local-model endpoints.
const SlowTimeout = 120 * time.Second

// Client wraps *http.Client with node auth signing and trace propagation.
type Client struct {
	httpClient *http.Client
	signer     *auth.Signer
	tokenTTL   time.Duration
}

// New creates a Client. signer issues the bearer tokens attached to every
// outbound call; tokenTTL is how long each minted token is valid for.
func New(signer *auth.Signer, tokenTTL time.Duration) *Client {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{},
		signer:     signer,
		tokenTTL:   tokenTTL,
	}
}

// WithInsecureSkipVerify toggles TLS certificate verification for node
// calls, per ForwardingConfig.VerifySSL — used for self-signed child nodes
// in development/test federations. Disabled (verified) by default.
func (c *Client) WithInsecureSkipVerify(skip bool) *Client {
	if !skip {
		c.httpClient.Transport = nil
		return c
	}
	c.httpClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return c
}

// newTraceID returns a 32-character hex trace ID, per spec §4.3.
func newTraceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate trace id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (c *Client) newRequest(ctx context.Context, method, targetURL string, nodeSlug string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.signer.Issue(nodeSlug, c.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	traceID, err := newTraceID()
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.TraceIDHeader, traceID)

	return req, nil
}

// Do executes a unary JSON call against nodeSlug's target URL: body is
// marshaled as the request (nil for GET-style calls with no body), and the
// response body is returned raw for the caller to decode. slow selects the
// 120s deadline for local-model endpoints instead of the 30s default.
func (c *Client) Do(ctx context.Context, method, targetURL, nodeSlug string, body any, slow bool) ([]byte, error) {
	timeout := DefaultTimeout
	if slow {
		timeout = SlowTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, domain.NewValidationError("marshal request body", err)
		}
	}

	req, err := c.newRequest(ctx, method, targetURL, nodeSlug, encoded)
	if err != nil {
		return nil, domain.NewValidationError("build signed request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Sprintf("%s %s", method, targetURL), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError("read response body", err)
	}

	return respBody, classifyStatus(resp.StatusCode, respBody, resp.Header)
}

// DoJSON performs Do and decodes the response body into out when no error
// is returned.
func (c *Client) DoJSON(ctx context.Context, method, targetURL, nodeSlug string, body, out any, slow bool) error {
	respBody, err := c.Do(ctx, method, targetURL, nodeSlug, body, slow)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.NewTransientError("decode response body", err)
	}
	return nil
}

func classifyStatus(statusCode int, body []byte, header http.Header) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header.Get("Retry-After"))
		return domain.NewRateLimitedError(fmt.Sprintf("rate limited (status %d): %s", statusCode, truncate(body)), retryAfter)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return domain.NewAuthError(fmt.Sprintf("auth rejected (status %d): %s", statusCode, truncate(body)), nil)
	case statusCode >= 500:
		return domain.NewTransientError(fmt.Sprintf("server error (status %d): %s", statusCode, truncate(body)), nil)
	case statusCode >= 400:
		return domain.NewPermanentError(fmt.Sprintf("client error (status %d): %s", statusCode, truncate(body)), nil)
	default:
		return nil
	}
}

// parseRetryAfter parses a Retry-After header value, per RFC 9110 §10.2.3:
// either a delay in seconds or an HTTP-date. An empty or unparseable value
// yields a zero duration, leaving the caller's own backoff untouched.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
