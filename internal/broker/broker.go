// Package broker implements the in-process pub/sub fan-out point.
//
// Every observable event in Kitsunebi passes through a [Broker]: the decision
// engine, the module registry, and the state facade publish; WebSocket
// subscribers and the optional telemetry sink consume. Publish snapshots the
// subscriber list under a short-held lock and enqueues outside it, so a slow
// consumer never blocks a publisher.
//
// Per-subscriber queues are bounded; on overflow the oldest event is dropped
// so a stalled dashboard degrades to lossy delivery instead of growing the
// process without bound.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kitsunebi-ai/kitsunebi/internal/event"
)

// defaultQueueCap is the per-subscriber mailbox capacity. A full mailbox
// drops its oldest event on the next enqueue.
const defaultQueueCap = 1024

// Sink receives a best-effort copy of every published event. Failures are
// logged and swallowed; a sink must never be able to crash the pipeline.
type Sink interface {
	Forward(ctx context.Context, ev event.Event) error
}

// subscriber is one fan-out mailbox.
type subscriber struct {
	ch chan event.Event
}

// Broker multiplexes published events to all current subscribers.
// All methods are safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	subs     map[int]*subscriber
	nextTok  int
	queueCap int

	sink Sink
}

// Option configures a [Broker] during construction.
type Option func(*Broker)

// WithQueueCapacity overrides the per-subscriber mailbox capacity.
// Values below 1 are ignored.
func WithQueueCapacity(n int) Option {
	return func(b *Broker) {
		if n >= 1 {
			b.queueCap = n
		}
	}
}

// WithSink attaches a telemetry sink that receives a best-effort copy of
// every published event.
func WithSink(s Sink) Option {
	return func(b *Broker) { b.sink = s }
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:     make(map[int]*subscriber),
		queueCap: defaultQueueCap,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe allocates a fresh mailbox and returns its token together with
// the receive channel. Tokens are monotonically increasing and never reused.
func (b *Broker) Subscribe() (int, <-chan event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok := b.nextTok
	b.nextTok++
	sub := &subscriber{ch: make(chan event.Event, b.queueCap)}
	b.subs[tok] = sub
	return tok, sub.ch
}

// Unsubscribe removes the mailbox identified by token. Unknown tokens are
// silently ignored; pending enqueues against a removed mailbox are dropped.
func (b *Broker) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, token)
}

// SubscriberCount returns the number of live mailboxes.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every current subscriber in FIFO order relative to
// this publisher. The subscriber list is snapshotted under the lock and the
// enqueues happen outside it. Publish never blocks: when a mailbox is full
// its oldest event is discarded to make room.
func (b *Broker) Publish(ctx context.Context, ev event.Event) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	sink := b.sink
	b.mu.Unlock()

	for _, s := range targets {
		for {
			select {
			case s.ch <- ev:
			default:
				// Mailbox full: drop the oldest and retry once.
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}

	if sink != nil {
		if err := sink.Forward(ctx, ev); err != nil {
			slog.Warn("telemetry forward failed", "type", ev.Type, "err", err)
		}
	}
}
