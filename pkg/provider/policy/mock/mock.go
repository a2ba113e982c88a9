// Package mock provides a test double for the policy.Provider interface.
//
// Script the stream with Steps and the return value with Final/Err, then
// inspect InvokeCalls to verify what the engine sent.
package mock

import (
	"context"
	"sync"

	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
)

// Step is one scripted intermediate event delivered to the handler.
type Step struct {
	// Event is the event name (policy.EventStart, EventToken or EventRetry).
	Event string
	// Data is the event body passed to the handler.
	Data policy.StreamEvent
}

// InvokeCall records a single invocation of Invoke.
type InvokeCall struct {
	// Ctx is the context passed to Invoke.
	Ctx context.Context
	// Req is the request passed to Invoke.
	Req policy.Request
}

// Provider is a mock implementation of policy.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Steps is the sequence of intermediate events replayed to the handler
	// before Final is returned.
	Steps []Step

	// Final is returned after all Steps have been delivered. May be nil.
	Final *policy.Final

	// Err, if non-nil, is returned from Invoke after the Steps are delivered.
	Err error

	// --- Call records ---

	// InvokeCalls records every call to Invoke in order.
	InvokeCalls []InvokeCall
}

// Invoke records the call, replays Steps to handler, and returns Final, Err.
func (p *Provider) Invoke(ctx context.Context, req policy.Request, handler policy.Handler) (*policy.Final, error) {
	p.mu.Lock()
	p.InvokeCalls = append(p.InvokeCalls, InvokeCall{Ctx: ctx, Req: req})
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	fin, err := p.Final, p.Err
	p.mu.Unlock()

	for _, s := range steps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if handler != nil {
			handler(s.Event, s.Data)
		}
	}
	return fin, err
}

// Calls returns a copy of the recorded invocations. Thread-safe.
func (p *Provider) Calls() []InvokeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InvokeCall, len(p.InvokeCalls))
	copy(out, p.InvokeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InvokeCalls = nil
}

// Ensure Provider implements policy.Provider at compile time.
var _ policy.Provider = (*Provider)(nil)
