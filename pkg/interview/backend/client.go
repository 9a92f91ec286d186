// Package backend is the HTTP client for the interview session API.
//
// Responses are accepted in either snake_case or camelCase and with or without
// a {"data": ...} envelope; keys are normalized to camelCase before decoding.
package backend

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
	"net/url"
	"strings"
	"time"

	"github.com/stoewer/go-strcase"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultEndSignal   = "/api/voice-interview/end"
	maxErrorBodyBytes  = 1 << 20
	maxResponseBytes   = 8 << 20
	requestIDHeaderKey = "X-Request-Id"
)

// Client calls the voice interview API.
type Client struct {
	baseURL      *url.URL
	endSignalURL string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithTimeout bounds requests whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEndSignalURL overrides where the end-of-interview signal is posted. A
// relative path is resolved against the base URL's origin.
func WithEndSignalURL(raw string) Option {
	return func(c *Client) { c.endSignalURL = strings.TrimSpace(raw) }
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", baseURL)
	}
	if base.User != nil {
		return nil, errors.New("backend base URL must not include credentials")
	}
	base.RawQuery = ""
	base.Fragment = ""

	c := &Client{
		baseURL:      base,
		endSignalURL: defaultEndSignal,
		httpClient:   newDefaultHTTPClient(),
		timeout:      defaultTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newDefaultHTTPClient sets transport-level timeouts; request lifetime is
// controlled by context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	cleanPath := "/" + strings.TrimLeft(path, "/")
	basePath := strings.TrimSuffix(u.Path, "/")
	if basePath == "" || basePath == "/" {
		u.Path = cleanPath
	} else {
		u.Path = basePath + cleanPath
	}
	u.RawPath = ""
	return u.String()
}

func (c *Client) signalEndpoint() string {
	raw := c.endSignalURL
	if parsed, err := url.Parse(raw); err == nil && parsed.IsAbs() {
		return raw
	}
	origin := url.URL{Scheme: c.baseURL.Scheme, Host: c.baseURL.Host}
	return origin.String() + "/" + strings.TrimLeft(raw, "/")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// do sends a JSON request and decodes a successful response into out, which
// may be nil.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return transportError(method, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(method, endpoint, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(method, endpoint, err)
	}
	if err := decodeNormalized(raw, out); err != nil {
		return &Error{
			Type:       ErrAPI,
			Message:    fmt.Sprintf("failed to decode response: %v", err),
			RequestID:  requestID(resp.Header),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// decodeNormalized unwraps a {"data": ...} envelope, rewrites every object key
// to lowerCamelCase, and decodes the result into out.
func decodeNormalized(raw []byte, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty response body")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	v = camelKeys(v)
	if m, ok := v.(map[string]any); ok {
		if data, ok := m["data"].(map[string]any); ok {
			v = data
		}
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(normalized, out)
}

func camelKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strcase.LowerCamelCase(k)] = camelKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = camelKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func decodeErrorResponse(resp *http.Response) error {
	reqID := requestID(resp.Header)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		body = nil
	}

	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	apiErr := &Error{RequestID: reqID, StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &env); err == nil {
		var nested Error
		var text string
		switch {
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "":
			apiErr.Type = nested.Type
			apiErr.Message = nested.Message
			apiErr.Code = nested.Code
			if nested.RequestID != "" {
				apiErr.RequestID = nested.RequestID
			}
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &text) == nil && text != "":
			apiErr.Message = text
		case env.Message != "":
			apiErr.Message = env.Message
		case env.Detail != "":
			apiErr.Message = env.Detail
		}
	}
	if apiErr.Type == "" {
		apiErr.Type = inferErrorType(resp.StatusCode)
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("backend request failed with status %d", resp.StatusCode)
	}
	return apiErr
}

func requestID(h http.Header) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get(requestIDHeaderKey))
}
