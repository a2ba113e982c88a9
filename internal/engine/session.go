package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts"
)

// Session modes.
const (
	ModeStreaming = "streaming"
	ModeTextOnly  = "text-only"
)

// sessionQueueCap bounds the chunk queue between the token handler and the
// synthesis consumer. A full queue back-pressures the policy stream.
const sessionQueueCap = 16

// chunkItem is one ordered unit of work for the synthesis consumer.
type chunkItem struct {
	index int
	text  string
}

// Session owns the streaming half of one policy invocation: it buffers
// incoming tokens, cuts them into sentence-aware chunks, and drives a single
// synthesis consumer so chunks reach the TTS worker strictly in order with at
// most one request in flight.
//
// A Session is bound to one policy invocation and is not reused. The token
// callbacks (OnStart, OnToken, OnRetry) are invoked from the policy client's
// goroutine; the consumer runs on its own. Close is safe to call multiple
// times.
type Session struct {
	broker  *broker.Broker
	modules *module.Registry
	tts     tts.Provider
	metrics *observe.Metrics

	ctx             context.Context
	voice           string
	synthesize      bool
	mode            string
	policyStartedAt time.Time

	queue        chan chunkItem
	consumerDone chan struct{}
	closeOnce    sync.Once

	mu            sync.Mutex
	requestID     string
	chunker       chunker
	chunkIndex    int
	chunksEmitted int
	lastVoice     string
	firstTokenAt  time.Time
}

// SessionConfig carries the collaborators and identity of one Session.
type SessionConfig struct {
	Broker  *broker.Broker
	Modules *module.Registry
	TTS     tts.Provider
	Metrics *observe.Metrics // optional

	// RequestID is the base request id; per-chunk ids derive from it. A
	// policy-provided id from the start event replaces it.
	RequestID string

	// Voice requested for synthesis; empty means worker default.
	Voice string

	// Synthesize selects streaming mode; false runs text-only.
	Synthesize bool
}

// NewSession creates a session and, in streaming mode, starts its synthesis
// consumer. ctx bounds the whole pipeline run: cancelling it stops synthesis
// after the in-flight request returns.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	s := &Session{
		broker:          cfg.Broker,
		modules:         cfg.Modules,
		tts:             cfg.TTS,
		metrics:         cfg.Metrics,
		ctx:             ctx,
		requestID:       cfg.RequestID,
		voice:           cfg.Voice,
		synthesize:      cfg.Synthesize,
		mode:            ModeTextOnly,
		policyStartedAt: time.Now(),
		consumerDone:    make(chan struct{}),
	}
	if cfg.Synthesize {
		s.mode = ModeStreaming
		s.queue = make(chan chunkItem, sessionQueueCap)
		go s.consume()
	} else {
		close(s.consumerDone)
	}
	return s
}

// OnStart adopts the policy-assigned request id when one is provided.
func (s *Session) OnStart(requestID string) {
	if requestID == "" {
		return
	}
	s.mu.Lock()
	s.requestID = requestID
	s.mu.Unlock()
}

// OnToken ingests one streamed fragment: it publishes the token event,
// records the first-token latency once, and in streaming mode feeds the
// chunker, enqueueing any chunk that became ready.
func (s *Session) OnToken(token string) {
	s.mu.Lock()
	first := s.firstTokenAt.IsZero()
	if first {
		s.firstTokenAt = time.Now()
	}
	requestID := s.requestID
	var ready []string
	var startIndex int
	if s.synthesize {
		ready = s.chunker.Append(token)
		startIndex = s.chunkIndex
		s.chunkIndex += len(ready)
	}
	s.mu.Unlock()

	if first {
		lat := s.sinceStartMS()
		s.broker.Publish(s.ctx, event.NewPipelineMetric(event.StagePolicyFirstToken, lat, s.mode, requestID))
		if s.metrics != nil {
			s.metrics.RecordStage(s.ctx, event.StagePolicyFirstToken, s.mode, lat)
		}
	}
	s.broker.Publish(s.ctx, event.NewPolicyToken(requestID, token))

	for i, text := range ready {
		s.enqueue(chunkItem{index: startIndex + i, text: text})
	}
}

// OnRetry handles a mid-stream retry: buffered text is void, the chunk
// counter is preserved so indices stay strictly increasing.
func (s *Session) OnRetry(reason string) {
	s.mu.Lock()
	s.chunker.Discard()
	s.mu.Unlock()
	slog.Info("policy stream retry", "request_id", s.RequestID(), "reason", reason)
}

// Close flushes residual buffered text (below-minimum chunks included),
// drains the consumer, and publishes the policy_total metric. It is
// idempotent and never suppresses in-flight synthesis; a cancelled session
// still publishes policy_total.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.synthesize {
			s.mu.Lock()
			residual := s.chunker.Flush()
			index := s.chunkIndex
			if residual != "" {
				s.chunkIndex++
			}
			s.mu.Unlock()
			if residual != "" {
				s.enqueue(chunkItem{index: index, text: residual})
			}
			close(s.queue)
		}
		<-s.consumerDone

		lat := s.sinceStartMS()
		// Publish on a fresh context: the total metric is owed even when the
		// pipeline context was cancelled mid-stream.
		s.broker.Publish(context.Background(), event.NewPipelineMetric(event.StagePolicyTotal, lat, s.mode, s.RequestID()))
		if s.metrics != nil {
			s.metrics.RecordStage(context.Background(), event.StagePolicyTotal, s.mode, lat)
		}
	})
}

// RequestID returns the session's current base request id.
func (s *Session) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// ChunksEmitted returns how many chunks were successfully synthesised.
func (s *Session) ChunksEmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksEmitted
}

// LastVoice returns the voice of the most recent successful synthesis, or ""
// when none happened.
func (s *Session) LastVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVoice
}

// RequiresFallback reports whether streaming was requested but produced no
// chunks, so the caller should synthesise the whole reply in one shot.
// Meaningful only after Close.
func (s *Session) RequiresFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesize && s.chunksEmitted == 0
}

func (s *Session) sinceStartMS() float64 {
	return float64(time.Since(s.policyStartedAt).Microseconds()) / 1000
}

// enqueue hands one chunk to the consumer, blocking for back-pressure until
// either the consumer takes it or the session context ends.
func (s *Session) enqueue(item chunkItem) {
	select {
	case s.queue <- item:
	case <-s.ctx.Done():
	}
}

// consume is the single synthesis consumer: it reads chunks strictly in
// order and issues at most one TTS request at a time.
func (s *Session) consume() {
	defer close(s.consumerDone)

	for item := range s.queue {
		if s.ctx.Err() != nil {
			continue // drain without synthesising
		}

		requestID := fmt.Sprintf("%s-chunk-%d", s.RequestID(), item.index)
		start := time.Now()
		res, err := s.tts.Synthesize(s.ctx, item.text, s.voice, requestID)
		latency := float64(time.Since(start).Microseconds()) / 1000

		switch {
		case errors.Is(err, tts.ErrBusy):
			_ = s.modules.SetHealth(module.TTSWorker, module.HealthDegraded)
			slog.Warn("tts worker busy, chunk skipped", "request_id", requestID)
		case err != nil:
			if s.ctx.Err() != nil {
				continue // cancelled in flight: suppress the partial chunk
			}
			_ = s.modules.SetHealth(module.TTSWorker, module.HealthOffline)
			slog.Warn("tts synthesis failed", "request_id", requestID, "err", err)
		default:
			_ = s.modules.SetHealth(module.TTSWorker, module.HealthOnline)
			s.modules.MarkLatency(module.TTSWorker, latency)

			s.mu.Lock()
			first := s.chunksEmitted == 0
			s.chunksEmitted++
			s.lastVoice = res.Voice
			s.mu.Unlock()

			if first {
				lat := s.sinceStartMS()
				s.broker.Publish(s.ctx, event.NewPipelineMetric(event.StageTTSFirstChunk, lat, s.mode, s.RequestID()))
				if s.metrics != nil {
					s.metrics.RecordStage(s.ctx, event.StageTTSFirstChunk, s.mode, lat)
				}
			}
			s.broker.Publish(s.ctx, event.NewTTSChunk(item.index, requestID, res.AudioPath, res.Voice, latency, len(item.text)))
			if s.metrics != nil {
				s.metrics.RecordChunk(s.ctx, s.mode, latency)
			}
		}
	}
}
