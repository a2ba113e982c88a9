// Package policy defines the Provider interface for the policy worker: the
// collaborator that turns a transcribed utterance plus persona and memory
// context into the streamed assistant reply.
//
// A policy provider opens one streaming invocation per request and reports
// progress through a handler callback before returning the final payload.
// Implementors must be safe for concurrent use.
package policy

import "context"

// Stream event names delivered to the Handler.
const (
	// EventStart is delivered exactly once before any token.
	EventStart = "start"

	// EventToken carries one incremental text fragment.
	EventToken = "token"

	// EventRetry signals a mid-stream retry: everything accumulated so far is
	// void and the consumer must reset its buffer.
	EventRetry = "retry"
)

// Status values carried in Meta.Status.
const (
	StatusOK    = "ok"
	StatusBusy  = "busy"
	StatusError = "error"
)

// HistoryTurn is one prior conversation exchange included for context.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything the policy worker needs to produce a reply.
type Request struct {
	// Text is the transcribed utterance driving the reply.
	Text string `json:"text"`

	// IsFinal reports whether Text is a finalised utterance rather than a
	// partial hypothesis.
	IsFinal bool `json:"is_final"`

	// PersonaStyle, ChaosLevel, Energy and FamilyFriendly mirror the active
	// persona knobs at invocation time.
	PersonaStyle   string  `json:"persona_style"`
	ChaosLevel     float64 `json:"chaos_level"`
	Energy         float64 `json:"energy"`
	FamilyFriendly bool    `json:"family_friendly"`

	// PersonaPrompt is the system prompt of the active preset, when one is.
	PersonaPrompt string `json:"persona_prompt,omitempty"`

	// MemorySummary is the latest conversation summary, when one exists.
	MemorySummary string `json:"memory_summary,omitempty"`

	// History holds the most recent conversation turns, oldest first.
	History []HistoryTurn `json:"history,omitempty"`
}

// Meta is the worker's verdict attached to the final payload.
type Meta struct {
	// Status is one of the Status constants. "busy" means the worker deferred
	// under load; "error" means it failed mid-generation.
	Status string `json:"status"`

	// Voice optionally overrides the TTS voice for this reply.
	Voice string `json:"voice,omitempty"`
}

// Final is the complete reply payload returned when the stream ends.
type Final struct {
	Content   string `json:"content"`
	Meta      Meta   `json:"meta"`
	RequestID string `json:"request_id"`
}

// StreamEvent is the JSON body of one intermediate stream event. Which fields
// are populated depends on the event name: start carries RequestID, token
// carries Token, retry carries Reason.
type StreamEvent struct {
	RequestID string `json:"request_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Handler receives intermediate stream events in arrival order. It is called
// from the goroutine running Invoke and must not block for long.
type Handler func(event string, data StreamEvent)

// Provider is the abstraction over a policy worker backend.
//
// Invoke opens a streaming request and delivers intermediate events to
// handler: "start" exactly once before any token, "token" per fragment in
// order, and optionally "retry" when the worker restarts generation. It
// returns the final payload when the stream completes, or a nil Final with a
// non-nil error on unrecoverable failure (the caller treats that as the
// worker being unavailable).
type Provider interface {
	Invoke(ctx context.Context, req Request, handler Handler) (*Final, error)
}
