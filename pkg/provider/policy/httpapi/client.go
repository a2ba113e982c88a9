// Package httpapi implements policy.Provider against a policy worker that
// speaks JSON-in, server-sent-events-out over HTTP.
//
// The worker replies with a text/event-stream carrying named events
// (start, token, retry, final), each followed by a single data line holding a
// JSON body and terminated by an empty line. Events without an explicit name
// default to "message" and are ignored.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
)

// DefaultTimeout bounds one full invocation including stream consumption.
const DefaultTimeout = 30 * time.Second

// DefaultPath is the worker endpoint the invocation is POSTed to.
const DefaultPath = "/policy/stream"

// Ensure Client implements the policy.Provider interface at compile time.
var _ policy.Provider = (*Client)(nil)

// Client talks to a policy worker over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTimeout overrides the per-invocation timeout. A zero or negative value
// disables the timeout entirely.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = max(d, 0)
	}
}

// WithPath overrides the endpoint path the request is POSTed to.
func WithPath(p string) Option {
	return func(c *Client) {
		c.path = p
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New constructs a Client for the policy worker at baseURL
// (e.g. "http://localhost:8100"). A trailing slash is stripped.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("policy client: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       DefaultPath,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Invoke implements policy.Provider. It POSTs req and consumes the event
// stream, forwarding start/token/retry events to handler and returning the
// decoded final payload. A transport failure, a non-200 status, or a stream
// that ends without a final event all yield a nil Final and an error.
func (c *Client) Invoke(ctx context.Context, req policy.Request, handler policy.Handler) (*policy.Final, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("policy client: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy client: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy client: unexpected status %d", resp.StatusCode)
	}

	sc := newEventScanner(resp.Body)
	for sc.Scan() {
		name, data := sc.Event()
		switch name {
		case policy.EventStart, policy.EventToken, policy.EventRetry:
			var ev policy.StreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return nil, fmt.Errorf("policy client: decode %s event: %w", name, err)
			}
			if handler != nil {
				handler(name, ev)
			}
		case "final":
			var fin policy.Final
			if err := json.Unmarshal([]byte(data), &fin); err != nil {
				return nil, fmt.Errorf("policy client: decode final event: %w", err)
			}
			return &fin, nil
		default:
			// Unnamed or unknown events are ignored.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("policy client: read stream: %w", err)
	}
	return nil, fmt.Errorf("policy client: stream ended without a final event")
}
