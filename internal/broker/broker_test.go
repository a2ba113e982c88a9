package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
)

// recordingSink records every forwarded event and optionally fails.
type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (s *recordingSink) Forward(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublish_FIFOPerSubscriber(t *testing.T) {
	t.Parallel()

	b := broker.New()
	_, ch := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), event.NewPolicyToken("req", string(rune('a'+i))))
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		if want := string(rune('a' + i)); ev.Token != want {
			t.Fatalf("event %d: token = %q, want %q", i, ev.Token, want)
		}
	}
}

func TestSubscribe_TokensMonotonic(t *testing.T) {
	t.Parallel()

	b := broker.New()
	t1, _ := b.Subscribe()
	t2, _ := b.Subscribe()
	b.Unsubscribe(t1)
	t3, _ := b.Subscribe()

	if !(t1 < t2 && t2 < t3) {
		t.Errorf("tokens not monotonic: %d, %d, %d", t1, t2, t3)
	}
}

func TestUnsubscribe_UnknownTokenIgnored(t *testing.T) {
	t.Parallel()

	b := broker.New()
	b.Unsubscribe(42) // must not panic
	b.Publish(context.Background(), event.NewMute(true))
}

func TestPublish_DropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	b := broker.New(broker.WithQueueCapacity(2))
	_, ch := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), event.Event{Type: event.TypePolicyToken, Index: i})
	}

	// The two newest events must survive.
	first := <-ch
	second := <-ch
	if first.Index != 3 || second.Index != 4 {
		t.Errorf("surviving events = %d, %d; want 3, 4", first.Index, second.Index)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %+v", ev)
	default:
	}
}

func TestPublish_SinkFailureSwallowed(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("telemetry down")}
	b := broker.New(broker.WithSink(sink))

	// Must not panic or block despite the failing sink.
	b.Publish(context.Background(), event.NewPanic("test"))
	b.Publish(context.Background(), event.NewMute(false))

	if got := sink.count(); got != 2 {
		t.Errorf("sink received %d events, want 2", got)
	}
}

func TestPublish_ConcurrentSubscribers(t *testing.T) {
	t.Parallel()

	b := broker.New()
	const subs = 8
	const events = 100

	chans := make([]<-chan event.Event, subs)
	for i := range chans {
		_, chans[i] = b.Subscribe()
	}

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan event.Event) {
			defer wg.Done()
			last := -1
			for i := 0; i < events; i++ {
				ev := <-ch
				if ev.Index <= last {
					t.Errorf("out of order delivery: %d after %d", ev.Index, last)
					return
				}
				last = ev.Index
			}
		}(ch)
	}

	for i := 0; i < events; i++ {
		b.Publish(context.Background(), event.Event{Type: event.TypeStatus, Index: i})
	}
	wg.Wait()
}
