// Package telemetry forwards a best-effort copy of every broker event to an
// external collector over HTTP. Forwarding failures are reported to the
// broker, logged there, and otherwise ignored; the pipeline never depends on
// the collector being up.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/resilience"
)

// DefaultTimeout bounds one forward request.
const DefaultTimeout = 3 * time.Second

// Sink POSTs events as JSON to a collector endpoint. A circuit breaker trips
// after repeated collector failures so a down collector costs one cheap error
// per event instead of a timed-out request. Sink implements broker.Sink.
type Sink struct {
	endpoint string
	client   *http.Client
	breaker  *resilience.Breaker
}

// Option configures a Sink.
type Option func(*Sink)

// WithTimeout overrides the per-forward timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// New creates a Sink posting to endpoint.
func New(endpoint string, opts ...Option) *Sink {
	s := &Sink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		breaker: resilience.NewBreaker(resilience.Config{
			Name:     "telemetry",
			Cooldown: 15 * time.Second,
		}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Forward POSTs ev to the collector. Any non-2xx status is an error. While
// the breaker is open events are dropped immediately.
func (s *Sink) Forward(ctx context.Context, ev event.Event) error {
	return s.breaker.Do(func() error {
		return s.post(ctx, ev)
	})
}

func (s *Sink) post(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: forward %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry: collector returned %d for %s", resp.StatusCode, ev.Type)
	}
	return nil
}
