// Package engine implements the decision core of the conversation pipeline:
// ASR-segment deduplication, policy request assembly, token-streaming
// consumption with sentence-aware chunking, pipelined speech synthesis, and
// per-module health attribution.
//
// The [Engine] consumes transcription events, invokes the policy worker once
// per distinct segment, and drives a [Session] per invocation. All lifecycle
// stages surface as broker events so dashboard subscribers can follow along.
package engine

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts"
)

// historyTurns is how many recent memory turns ride along on each policy
// request.
const historyTurns = 6

// speechRe extracts the spoken part of a policy reply. Case-insensitive and
// dot-all so the tag may span lines.
var speechRe = regexp.MustCompile(`(?is)<speech>(.*?)</speech>`)

// ASREvent is one transcription ingress event.
type ASREvent struct {
	Segment    int     `json:"segment"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	StartedAt  float64 `json:"started_at,omitempty"`
	EndedAt    float64 `json:"ended_at,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

// Config carries the Engine's collaborators.
type Config struct {
	Broker   *broker.Broker
	Modules  *module.Registry
	Personas *persona.Store
	Memory   *memory.Buffer
	Policy   policy.Provider
	TTS      tts.Provider
	Metrics  *observe.Metrics // optional

	// Voice is the default synthesis voice; a final payload's meta.voice
	// overrides it for fallback synthesis.
	Voice string
}

// Engine is the decision core. Its exported methods are safe for concurrent
// use; each pipeline run is driven synchronously by its caller.
type Engine struct {
	broker   *broker.Broker
	modules  *module.Registry
	personas *persona.Store
	memory   *memory.Buffer
	policy   policy.Provider
	tts      tts.Provider
	metrics  *observe.Metrics
	voice    string

	segments *segmentRegistry
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	return &Engine{
		broker:   cfg.Broker,
		modules:  cfg.Modules,
		personas: cfg.Personas,
		memory:   cfg.Memory,
		policy:   cfg.Policy,
		tts:      cfg.TTS,
		metrics:  cfg.Metrics,
		voice:    cfg.Voice,
		segments: newSegmentRegistry(),
	}
}

// SegmentCounts returns the active and completed dedup set sizes, for status
// snapshots.
func (e *Engine) SegmentCounts() (active, completed int) {
	return e.segments.Sizes()
}

// HandleASRPartial processes a partial transcription hypothesis. It runs the
// same per-segment state machine as finals; a later final for the same
// segment is rejected by dedup.
func (e *Engine) HandleASRPartial(ctx context.Context, evt ASREvent) {
	e.processSegment(ctx, evt, false)
}

// HandleASRFinal processes a finalised utterance: the user turn is recorded
// in memory, then the pipeline runs, guarded by segment dedup.
func (e *Engine) HandleASRFinal(ctx context.Context, evt ASREvent) {
	e.processSegment(ctx, evt, true)
}

// ProcessManualPrompt injects an operator-typed utterance: it records the
// user turn and runs the pipeline outside segment dedup, with synthesis
// controlled by the caller (still subject to the global mute).
func (e *Engine) ProcessManualPrompt(ctx context.Context, text string, synthesize bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.recordTurn(ctx, memory.RoleUser, text)
	e.runPipeline(ctx, text, true, synthesize && e.modules.Enabled(module.TTSWorker))
}

// processSegment applies the per-segment state machine: register (reject
// duplicates), record the user turn for finals, run the pipeline, complete.
func (e *Engine) processSegment(ctx context.Context, evt ASREvent, isFinal bool) {
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return
	}

	if !e.segments.Register(evt.Segment) {
		slog.Debug("duplicate segment rejected", "segment", evt.Segment, "is_final", isFinal)
		if e.metrics != nil {
			e.metrics.RecordDedup(ctx)
		}
		return
	}
	defer e.segments.Complete(evt.Segment)

	if evt.LatencyMS > 0 {
		e.modules.MarkLatency(module.ASRWorker, evt.LatencyMS)
	}
	_ = e.modules.SetHealth(module.ASRWorker, module.HealthOnline)

	if isFinal {
		e.recordTurn(ctx, memory.RoleUser, text)
	}
	e.runPipeline(ctx, text, isFinal, e.modules.Enabled(module.TTSWorker))
}

// runPipeline performs one policy invocation plus downstream synthesis.
func (e *Engine) runPipeline(ctx context.Context, text string, isFinal, synthesize bool) {
	if e.metrics != nil {
		e.metrics.ActiveSessions.Add(ctx, 1)
		defer e.metrics.ActiveSessions.Add(ctx, -1)
	}

	req := e.buildRequest(text, isFinal)

	sess := NewSession(ctx, SessionConfig{
		Broker:     e.broker,
		Modules:    e.modules,
		TTS:        e.tts,
		Metrics:    e.metrics,
		RequestID:  uuid.NewString(),
		Voice:      e.voice,
		Synthesize: synthesize,
	})

	start := time.Now()
	fin, err := e.policy.Invoke(ctx, req, func(ev string, data policy.StreamEvent) {
		switch ev {
		case policy.EventStart:
			sess.OnStart(data.RequestID)
		case policy.EventToken:
			sess.OnToken(data.Token)
		case policy.EventRetry:
			sess.OnRetry(data.Reason)
		}
	})
	sess.Close()
	totalMS := float64(time.Since(start).Microseconds()) / 1000

	if err != nil || fin == nil {
		_ = e.modules.SetHealth(module.PolicyWorker, module.HealthOffline)
		if e.metrics != nil {
			e.metrics.RecordPolicyFailure(ctx)
		}
		slog.Warn("policy invocation failed", "request_id", sess.RequestID(), "err", err)
		return
	}

	switch fin.Meta.Status {
	case policy.StatusBusy:
		_ = e.modules.SetHealth(module.PolicyWorker, module.HealthDegraded)
		slog.Info("policy worker busy, reply deferred", "request_id", fin.RequestID)
		return
	case policy.StatusError:
		_ = e.modules.SetHealth(module.PolicyWorker, module.HealthOffline)
		if e.metrics != nil {
			e.metrics.RecordPolicyFailure(ctx)
		}
		slog.Warn("policy worker reported error", "request_id", fin.RequestID)
		return
	}

	_ = e.modules.SetHealth(module.PolicyWorker, module.HealthOnline)
	e.modules.MarkLatency(module.PolicyWorker, totalMS)
	if e.metrics != nil {
		e.metrics.PolicyDuration.Record(ctx, totalMS/1000)
	}

	speech := ExtractSpeech(fin.Content)
	e.broker.Publish(ctx, event.NewPolicyFinal(sess.RequestID(), speech))
	if speech == "" {
		return
	}

	if synthesize && sess.RequiresFallback() {
		voice := fin.Meta.Voice
		if voice == "" {
			voice = e.voice
		}
		e.fallbackSynthesize(ctx, speech, voice, sess.RequestID())
	}
	e.recordTurn(ctx, memory.RoleAssistant, speech)
}

// fallbackSynthesize renders the whole reply in one shot when streaming
// chunking produced nothing.
func (e *Engine) fallbackSynthesize(ctx context.Context, speech, voice, requestID string) {
	start := time.Now()
	res, err := e.tts.Synthesize(ctx, speech, voice, requestID)
	latency := float64(time.Since(start).Microseconds()) / 1000

	switch {
	case errors.Is(err, tts.ErrBusy):
		_ = e.modules.SetHealth(module.TTSWorker, module.HealthDegraded)
		slog.Warn("tts worker busy, fallback skipped", "request_id", requestID)
	case err != nil:
		_ = e.modules.SetHealth(module.TTSWorker, module.HealthOffline)
		slog.Warn("fallback synthesis failed", "request_id", requestID, "err", err)
	default:
		_ = e.modules.SetHealth(module.TTSWorker, module.HealthOnline)
		e.modules.MarkLatency(module.TTSWorker, latency)
		e.broker.Publish(ctx, event.NewTTSGenerated(requestID, res.AudioPath, res.Voice, speech, latency, res.Cached))
		if e.metrics != nil {
			e.metrics.RecordChunk(ctx, "single", latency)
		}
	}
}

// buildRequest assembles the policy request from the active persona and the
// conversational memory.
func (e *Engine) buildRequest(text string, isFinal bool) policy.Request {
	p, _, prompt := e.personas.Snapshot()

	req := policy.Request{
		Text:           text,
		IsFinal:        isFinal,
		PersonaStyle:   p.Style,
		ChaosLevel:     p.Chaos,
		Energy:         p.Energy,
		FamilyFriendly: p.FamilyMode,
		PersonaPrompt:  prompt,
	}
	if latest := e.memory.Latest(); latest != nil {
		req.MemorySummary = latest.SummaryText
	}
	for _, t := range e.memory.Recent(historyTurns) {
		req.History = append(req.History, policy.HistoryTurn{Role: t.Role, Content: t.Text})
	}
	return req
}

// recordTurn appends a turn to memory and broadcasts any summary it produced.
func (e *Engine) recordTurn(ctx context.Context, role, text string) {
	if s := e.memory.AddTurn(ctx, role, text); s != nil {
		e.broker.Publish(ctx, event.NewMemorySummary(s.SummaryText, s.MoodState))
	}
}

// ExtractSpeech pulls the spoken part out of a policy reply: the content of
// the first <speech> tag (HTML-unescaped and trimmed) when present, otherwise
// the whole content trimmed.
func ExtractSpeech(content string) string {
	if m := speechRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return strings.TrimSpace(content)
}
