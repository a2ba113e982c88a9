// Package tts defines the Provider interface for the text-to-speech worker:
// the collaborator that renders one reply chunk into an audio file.
//
// Implementors must be safe for concurrent use, though the pipeline itself
// never issues more than one synthesis per session at a time.
package tts

import (
	"context"
	"encoding/json"
)

// Result is a completed synthesis.
type Result struct {
	// AudioPath is where the worker wrote the rendered audio.
	AudioPath string `json:"audio_path"`

	// Voice is the voice that was actually used; it may differ from the
	// requested one when the worker substituted a default.
	Voice string `json:"voice"`

	// LatencyMS is the worker-reported synthesis time. The pipeline measures
	// its own end-to-end latency separately and publishes that one.
	LatencyMS float64 `json:"latency_ms"`

	// Visemes is the worker's lip-sync timeline, passed through opaquely to
	// the avatar overlay.
	Visemes json.RawMessage `json:"visemes,omitempty"`

	// Cached reports whether the worker served the audio from its cache.
	Cached bool `json:"cached"`
}

type busyError struct{}

func (busyError) Error() string { return "tts: worker busy" }

// ErrBusy is returned by Synthesize when the worker refused the request under
// resource pressure. It is a deferral, not a failure: the caller marks the
// module degraded and skips the chunk.
var ErrBusy error = busyError{}

// Provider is the abstraction over a TTS worker backend.
//
// Synthesize renders text with the given voice (empty means worker default)
// under the given request id. At most one request per request id may be
// outstanding. It returns the result, ErrBusy when the worker deferred, or
// another non-nil error on hard failure.
type Provider interface {
	Synthesize(ctx context.Context, text, voice, requestID string) (*Result, error)
}
