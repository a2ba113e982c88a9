// Package memory implements the rolling conversational memory: a bounded
// ring of turns, periodic summarisation, and summary persistence with an
// optional restore-on-start window.
//
// The [Buffer] is the single entry point used by the decision engine and the
// state facade. Summaries are produced by a pluggable [Summarizer] — the
// default is a fast local heuristic, an LLM-backed implementation lives in
// the ollama subpackage — and persisted through a [SummaryStore] (in-memory
// or the postgres subpackage's pgx-backed mem_summaries table).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the default ring size in turns.
	DefaultCapacity = 40

	// DefaultSummaryInterval is the default number of added turns between
	// summarisations.
	DefaultSummaryInterval = 6
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one conversational exchange entry.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// Summary is a persisted condensation of the buffer at one point in time.
type Summary struct {
	ID          int64             `json:"id,omitempty"`
	TS          int64             `json:"ts"`
	SummaryText string            `json:"summary_text"`
	MoodState   string            `json:"mood_state"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Summarizer condenses a window of turns into a [Summary].
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (Summary, error)
}

// SummaryStore persists summaries in insertion order and serves the newest
// one within a restore window.
type SummaryStore interface {
	// Insert stores s and returns its insertion-order id.
	Insert(ctx context.Context, s Summary) (int64, error)

	// LatestSince returns the newest summary with TS >= cutoff, or nil when
	// none exists.
	LatestSince(ctx context.Context, cutoff int64) (*Summary, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Buffer is the fixed-capacity conversational memory.
// All methods are safe for concurrent use.
type Buffer struct {
	capacity int
	interval int

	summarizer Summarizer
	store      SummaryStore

	mu        sync.Mutex
	turns     []Turn
	addsSince int
	latest    *Summary
}

// Option configures a [Buffer] during construction.
type Option func(*Buffer)

// WithCapacity overrides the ring capacity. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n >= 1 {
			b.capacity = n
		}
	}
}

// WithSummaryInterval overrides how many added turns trigger a summary.
// Values below 1 are ignored.
func WithSummaryInterval(n int) Option {
	return func(b *Buffer) {
		if n >= 1 {
			b.interval = n
		}
	}
}

// NewBuffer creates a Buffer backed by the given summariser and store.
func NewBuffer(summarizer Summarizer, store SummaryStore, opts ...Option) *Buffer {
	b := &Buffer{
		capacity:   DefaultCapacity,
		interval:   DefaultSummaryInterval,
		summarizer: summarizer,
		store:      store,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Prepare initialises persistence and, when restore is requested, loads the
// newest summary whose timestamp falls within window of now.
func (b *Buffer) Prepare(ctx context.Context, restore bool, window time.Duration) error {
	if err := b.store.Ping(ctx); err != nil {
		return fmt.Errorf("memory: store unavailable: %w", err)
	}
	if !restore {
		return nil
	}

	cutoff := time.Now().Add(-window).Unix()
	s, err := b.store.LatestSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("memory: restore summary: %w", err)
	}
	if s == nil {
		return nil
	}

	b.mu.Lock()
	b.latest = s
	b.mu.Unlock()
	slog.Info("restored conversation summary", "id", s.ID, "ts", s.TS)
	return nil
}

// AddTurn appends a turn to the ring, evicting the oldest when full. Every
// interval-th added turn triggers summarisation of the full current buffer;
// the produced summary is persisted and returned. A nil summary means no
// summarisation was due.
//
// Summariser or store failures are logged and swallowed: memory must never
// take the pipeline down.
func (b *Buffer) AddTurn(ctx context.Context, role, text string) *Summary {
	b.mu.Lock()
	b.turns = append(b.turns, Turn{Role: role, Text: text, TS: time.Now().Unix()})
	if len(b.turns) > b.capacity {
		b.turns = b.turns[len(b.turns)-b.capacity:]
	}
	b.addsSince++
	due := b.addsSince >= b.interval
	if !due {
		b.mu.Unlock()
		return nil
	}
	b.addsSince = 0
	window := make([]Turn, len(b.turns))
	copy(window, b.turns)
	// Release the lock for the potentially slow summariser call.
	b.mu.Unlock()

	s, err := b.summarizer.Summarize(ctx, window)
	if err != nil {
		slog.Warn("summarisation failed", "turns", len(window), "err", err)
		return nil
	}
	if s.TS == 0 {
		s.TS = time.Now().Unix()
	}

	id, err := b.store.Insert(ctx, s)
	if err != nil {
		slog.Warn("summary persist failed", "err", err)
	} else {
		s.ID = id
	}

	b.mu.Lock()
	b.latest = &s
	b.mu.Unlock()
	return &s
}

// Latest returns the most recent summary, or nil when none exists yet.
func (b *Buffer) Latest() *Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return nil
	}
	cp := *b.latest
	return &cp
}

// Recent returns up to n of the newest turns, oldest first.
func (b *Buffer) Recent(n int) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// Len returns the number of turns currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}
