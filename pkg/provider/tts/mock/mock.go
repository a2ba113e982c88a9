// Package mock provides a test double for the tts.Provider interface.
//
// Script results (or failures) per call and inspect SynthesizeCalls to verify
// what the pipeline sent and in which order.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice string
	// RequestID is the request id passed to Synthesize.
	RequestID string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is consumed one entry per call; when exhausted, a synthetic
	// result derived from the request id is returned instead.
	Results []*tts.Result

	// Err, if non-nil, is returned from every Synthesize call. Set to
	// tts.ErrBusy to simulate worker back-pressure.
	Err error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the next scripted result.
func (p *Provider) Synthesize(ctx context.Context, text, voice, requestID string) (*tts.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice, RequestID: requestID})
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r, nil
	}
	return &tts.Result{
		AudioPath: fmt.Sprintf("/tmp/%s.wav", requestID),
		Voice:     voice,
		LatencyMS: 1,
	}, nil
}

// Calls returns a copy of the recorded invocations. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
