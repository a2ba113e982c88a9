// Package httpapi implements tts.Provider against a TTS worker speaking
// JSON over HTTP.
//
// Request body: {text, voice?, request_id?}. Response: a [tts.Result] object,
// or {"status":"busy"} when the worker defers under load.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts"
)

// DefaultTimeout bounds one synthesis request end to end.
const DefaultTimeout = 60 * time.Second

// DefaultPath is the worker endpoint the request is POSTed to.
const DefaultPath = "/synthesize"

// Ensure Client implements the tts.Provider interface at compile time.
var _ tts.Provider = (*Client)(nil)

// Client talks to a TTS worker over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout. A zero or negative value
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

// New constructs a Client for the TTS worker at baseURL
// (e.g. "http://localhost:8200"). A trailing slash is stripped.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tts client: base URL must not be empty")
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

// synthesizeRequest is the JSON request body sent to the worker.
type synthesizeRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// synthesizeResponse is the worker's reply; a populated Status of "busy"
// takes precedence over the embedded result fields.
type synthesizeResponse struct {
	Status string `json:"status,omitempty"`
	tts.Result
}

// Synthesize implements tts.Provider.
func (c *Client) Synthesize(ctx context.Context, text, voice, requestID string) (*tts.Result, error) {
	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice, RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("tts client: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts client: http: %w", err)
	}
	defer resp.Body.Close()

	// Some workers signal pressure with 429 instead of a busy body.
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, tts.ErrBusy
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts client: unexpected status %d", resp.StatusCode)
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tts client: decode response: %w", err)
	}
	if out.Status == "busy" {
		return nil, tts.ErrBusy
	}
	if out.AudioPath == "" {
		return nil, fmt.Errorf("tts client: response carries no audio path")
	}
	result := out.Result
	return &result, nil
}
