// Package client talks to the license server from an installed site. It
// walks an ordered list of endpoint shapes and stops at the first one that
// answers with JSON.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crmlicense.app/licensing/internal/config"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/internal/version"
	"crmlicense.app/licensing/protocol"
)

const (
	DefaultTimeout = 15 * time.Second
	MinTimeout     = 10 * time.Second
	MaxTimeout     = 30 * time.Second

	maxResponseBytes = 1 << 20
)

var ErrConfiguration = errors.New("license server URL is not configured")

// Style selects how a request is encoded for an endpoint.
type Style int

const (
	// StyleQuery sends license_key, domain and action as query parameters.
	StyleQuery Style = iota
	// StyleEnvelope POSTs {"method":..,"params":{..}} as JSON.
	StyleEnvelope
	// StyleQueryAPI sends everything as query parameters with the action in
	// license_api.
	StyleQueryAPI
)

type Endpoint struct {
	Name   string
	Path   string
	Method string
	Style  Style
}

// DefaultEndpoints is the fallback order used by New.
var DefaultEndpoints = []Endpoint{
	{Name: "rest", Path: "/api/v1/license/validate", Method: http.MethodGet, Style: StyleQuery},
	{Name: "rest_alias", Path: "/api/v1/validate", Method: http.MethodGet, Style: StyleQuery},
	{Name: "callback", Path: "/api/callback", Method: http.MethodPost, Style: StyleEnvelope},
	{Name: "query", Path: "/", Method: http.MethodGet, Style: StyleQueryAPI},
}

type Client struct {
	baseURL    *url.URL
	domain     string
	timeout    time.Duration
	httpClient *http.Client
	endpoints  []Endpoint
	metrics    *metrics.Metrics
	userAgent  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = ClampTimeout(d) }
}

func WithEndpoints(endpoints ...Endpoint) Option {
	return func(c *Client) { c.endpoints = endpoints }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// ClampTimeout bounds a per-attempt timeout to [MinTimeout, MaxTimeout];
// zero or negative selects DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// New returns a client for the server at serverURL. domain is reported with
// every validate request.
func New(serverURL, domain string, opts ...Option) (*Client, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, ErrConfiguration
	}
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid server URL %q", ErrConfiguration, serverURL)
	}

	c := &Client{
		baseURL:   base,
		domain:    domain,
		timeout:   DefaultTimeout,
		endpoints: DefaultEndpoints,
		userAgent: version.UserAgent("crm-license-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

func NewFromConfig(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	return New(cfg.ServerURL, cfg.SiteDomain, append([]Option{WithTimeout(cfg.Timeout)}, opts...)...)
}

func (c *Client) Domain() string {
	return c.domain
}

// Validate checks key for this client's domain. A business-invalid answer is
// a successful call; only transport and protocol failures return an error.
func (c *Client) Validate(ctx context.Context, key string) (*protocol.Response, error) {
	return c.Do(ctx, protocol.Request{LicenseKey: key, Domain: c.domain, Action: protocol.ActionValidate})
}

func (c *Client) Info(ctx context.Context, key string) (*protocol.Response, error) {
	return c.Do(ctx, protocol.Request{LicenseKey: key, Domain: c.domain, Action: protocol.ActionInfo})
}

func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	req = req.Normalized()
	commErr := &CommunicationError{}

	for _, ep := range c.endpoints {
		if err := ctx.Err(); err != nil {
			commErr.Last = err
			break
		}

		resp, attempt := c.try(ctx, ep, req)
		if attempt.Err == nil {
			c.metrics.ClientAttempt(ep.Name, "success")
			if len(commErr.Attempts) > 0 {
				logger.Info("License server reached via fallback endpoint", map[string]interface{}{
					"endpoint":        ep.Name,
					"failed_attempts": len(commErr.Attempts),
				})
			}
			return resp, nil
		}

		c.metrics.ClientAttempt(ep.Name, string(attempt.Kind))
		logger.Debug("License endpoint attempt failed", map[string]interface{}{
			"endpoint": ep.Name,
			"url":      attempt.URL,
			"kind":     attempt.Kind,
			"status":   attempt.StatusCode,
			"error":    attempt.Err.Error(),
		})
		commErr.Attempts = append(commErr.Attempts, attempt)
		commErr.Last = attempt.Err
	}

	fields := map[string]interface{}{
		"server":   c.baseURL.String(),
		"attempts": len(commErr.Attempts),
	}
	if commErr.Last != nil {
		fields["error"] = commErr.Last.Error()
	}
	if commErr.IsProtocol() {
		logger.Warn("License server answered with an unreadable response", fields)
	} else {
		logger.Warn("License server unreachable", fields)
	}
	return nil, commErr
}

func (c *Client) try(ctx context.Context, ep Endpoint, req protocol.Request) (*protocol.Response, Attempt) {
	attempt := Attempt{Endpoint: ep.Name}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.buildRequest(ctx, ep, req)
	if err != nil {
		attempt.Kind = FailureConnection
		attempt.Err = err
		return nil, attempt
	}
	attempt.URL = redactURL(httpReq.URL)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = attempt.URL
		}
		attempt.Kind = FailureConnection
		attempt.Err = err
		return nil, attempt
	}
	defer res.Body.Close()
	attempt.StatusCode = res.StatusCode

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		attempt.Kind = FailureConnection
		attempt.Err = fmt.Errorf("read response: %w", err)
		return nil, attempt
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		attempt.Kind = FailureHTTP
		attempt.Err = fmt.Errorf("unexpected HTTP status %d", res.StatusCode)
		return nil, attempt
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		attempt.Kind = FailureEmpty
		attempt.Err = errors.New("empty response body")
		return nil, attempt
	}
	if looksLikeHTML(trimmed) {
		attempt.Kind = FailureNonJSON
		attempt.Err = errors.New("response is HTML, not JSON")
		return nil, attempt
	}

	resp, err := protocol.Normalize(trimmed)
	if err != nil {
		attempt.Kind = FailureParse
		attempt.Err = err
		return nil, attempt
	}
	return resp, attempt
}

func (c *Client) buildRequest(ctx context.Context, ep Endpoint, req protocol.Request) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + ep.Path

	var body io.Reader
	q := u.Query()
	switch ep.Style {
	case StyleEnvelope:
		payload, err := json.Marshal(protocol.CallbackEnvelope{
			Method: "license." + req.Action,
			Params: protocol.Request{LicenseKey: req.LicenseKey, Domain: req.Domain},
		})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	case StyleQueryAPI:
		q.Set("license_api", req.Action)
		q.Set("license_key", req.LicenseKey)
		if req.Domain != "" {
			q.Set("domain", req.Domain)
		}
	default:
		q.Set("license_key", req.LicenseKey)
		if req.Domain != "" {
			q.Set("domain", req.Domain)
		}
		if req.Action != protocol.ActionValidate {
			q.Set("action", req.Action)
		}
	}
	u.RawQuery = q.Encode()

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// redactURL masks the license key carried in the query string.
func redactURL(u *url.URL) string {
	redacted := *u
	q := redacted.Query()
	if key := q.Get("license_key"); key != "" {
		q.Set("license_key", logger.Mask(key))
		redacted.RawQuery = q.Encode()
	}
	return redacted.Redacted()
}

func looksLikeHTML(body []byte) bool {
	prefix := body
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	lower := strings.ToLower(string(prefix))
	return strings.HasPrefix(lower, "<html") || strings.HasPrefix(lower, "<!doctype")
}
