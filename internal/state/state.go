// Package state implements the orchestrator facade: the single entry point
// the HTTP/WS surface talks to. It owns the cross-cutting control state
// (mute, panic, scene, expression), delegates pipeline work to the engine,
// and broadcasts every mutation as a broker event.
//
// Every state-mutating operation takes a short-held lock, computes the event
// payload, releases the lock, then publishes. The mute flag and the
// tts_worker module toggle are two views of the same switch; both flip
// together under one lock acquisition so the twin updates cannot interleave.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/engine"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
)

// statusInterval is how often module latencies are jittered and a full
// status snapshot is broadcast.
const statusInterval = 5 * time.Second

// TTSRecord reports synthesis activity performed outside the pipeline, e.g.
// by an operator soundboard.
type TTSRecord struct {
	RequestID string  `json:"request_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// Orchestrator is the state facade. All methods are safe for concurrent use.
type Orchestrator struct {
	broker   *broker.Broker
	modules  *module.Registry
	personas *persona.Store
	memory   *memory.Buffer
	engine   *engine.Engine

	mu         sync.Mutex
	muted      bool
	scene      string
	expression string
	panicCount int
	lastPanic  string
	startedAt  time.Time

	bgCancel  context.CancelFunc
	bgDone    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// Config carries the Orchestrator's collaborators.
type Config struct {
	Broker   *broker.Broker
	Modules  *module.Registry
	Personas *persona.Store
	Memory   *memory.Buffer
	Engine   *engine.Engine
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		broker:    cfg.Broker,
		modules:   cfg.Modules,
		personas:  cfg.Personas,
		memory:    cfg.Memory,
		engine:    cfg.Engine,
		startedAt: time.Now(),
		bgDone:    make(chan struct{}),
	}
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// Snapshot assembles the full dashboard state.
func (o *Orchestrator) Snapshot() map[string]any {
	o.mu.Lock()
	muted, scene, expr := o.muted, o.scene, o.expression
	panics, lastPanic := o.panicCount, o.lastPanic
	started := o.startedAt
	o.mu.Unlock()

	p, preset, _ := o.personas.Snapshot()
	active, completed := o.engine.SegmentCounts()

	mods := make([]map[string]any, 0)
	for _, m := range o.modules.Snapshot() {
		mods = append(mods, moduleMap(m))
	}

	snap := map[string]any{
		"modules":    mods,
		"muted":      muted,
		"scene":      scene,
		"expression": expr,
		"persona": map[string]any{
			"preset":      preset,
			"style":       p.Style,
			"chaos_level": p.Chaos,
			"energy":      p.Energy,
			"family_mode": p.FamilyMode,
		},
		"memory": map[string]any{
			"turns": o.memory.Len(),
		},
		"segments": map[string]any{
			"active":    active,
			"completed": completed,
		},
		"panic_count": panics,
		"uptime_s":    int64(time.Since(started).Seconds()),
	}
	if lastPanic != "" {
		snap["last_panic_reason"] = lastPanic
	}
	if s := o.memory.Latest(); s != nil {
		snap["memory"].(map[string]any)["summary"] = s.SummaryText
		snap["memory"].(map[string]any)["mood"] = s.MoodState
	}
	return snap
}

// HealthSnapshot maps each module name to its health string.
func (o *Orchestrator) HealthSnapshot() map[string]string {
	out := make(map[string]string)
	for _, m := range o.modules.Snapshot() {
		out[m.Name] = string(m.Health)
	}
	return out
}

// ─── Control operations ───────────────────────────────────────────────────────

// ToggleModule flips one module's enabled flag. Toggling tts_worker also
// flips the global mute; both change under one lock acquisition.
func (o *Orchestrator) ToggleModule(ctx context.Context, name string, enabled bool) error {
	o.mu.Lock()
	st, err := o.modules.Toggle(name, enabled)
	muteChanged := false
	if err == nil && name == module.TTSWorker && o.muted == enabled {
		o.muted = !enabled
		muteChanged = true
	}
	muted := o.muted
	o.mu.Unlock()
	if err != nil {
		return err
	}

	o.broker.Publish(ctx, event.NewModuleToggle(st.Name, st.Enabled))
	if muteChanged {
		o.broker.Publish(ctx, event.NewMute(muted))
	}
	return nil
}

// SetMute sets the global TTS mute. The tts_worker toggle follows it: after
// SetMute(true) returns, tts_worker is disabled and the pipeline stops
// producing speech.
func (o *Orchestrator) SetMute(ctx context.Context, muted bool) {
	o.mu.Lock()
	changed := o.muted != muted
	o.muted = muted
	var st module.State
	if changed {
		st, _ = o.modules.Toggle(module.TTSWorker, !muted)
	}
	o.mu.Unlock()
	if !changed {
		return
	}

	o.broker.Publish(ctx, event.NewMute(muted))
	o.broker.Publish(ctx, event.NewModuleToggle(st.Name, st.Enabled))
}

// Muted reports the current global mute flag.
func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// TriggerPanic is the big red button: it mutes speech immediately and
// broadcasts the panic so overlays can blank themselves.
func (o *Orchestrator) TriggerPanic(ctx context.Context, reason string) {
	if reason == "" {
		reason = "operator panic"
	}
	o.mu.Lock()
	o.panicCount++
	o.lastPanic = reason
	muteChanged := !o.muted
	o.muted = true
	var st module.State
	if muteChanged {
		st, _ = o.modules.Toggle(module.TTSWorker, false)
	}
	o.mu.Unlock()

	slog.Warn("panic triggered", "reason", reason)
	o.broker.Publish(ctx, event.NewPanic(reason))
	if muteChanged {
		o.broker.Publish(ctx, event.NewMute(true))
		o.broker.Publish(ctx, event.NewModuleToggle(st.Name, st.Enabled))
	}
}

// UpdatePersona applies a partial persona update and broadcasts the result.
func (o *Orchestrator) UpdatePersona(ctx context.Context, upd persona.Update) {
	p := o.personas.Apply(upd)
	_, preset, _ := o.personas.Snapshot()
	o.broker.Publish(ctx, event.NewPersonaUpdate(preset, p.Style, p.Chaos, p.Energy, p.FamilyMode))
}

// ReloadPresets swaps the preset catalogue, used on config hot reload.
func (o *Orchestrator) ReloadPresets(presets map[string]persona.Preset) {
	o.personas.ReplacePresets(presets)
}

// ApplyPreset switches the active persona preset. The switch is also noted in
// conversation memory so the policy worker sees it in the turn history.
func (o *Orchestrator) ApplyPreset(ctx context.Context, name string) error {
	p, _, err := o.personas.ApplyPreset(name)
	if err != nil {
		return err
	}
	o.broker.Publish(ctx, event.NewPreset(name))
	o.broker.Publish(ctx, event.NewPersonaUpdate(name, p.Style, p.Chaos, p.Energy, p.FamilyMode))
	o.RecordTurn(ctx, memory.RoleSystem, "Persona updated to "+name+" preset.")
	return nil
}

// UpdateScene records the active OBS scene and broadcasts it.
func (o *Orchestrator) UpdateScene(ctx context.Context, name string) {
	o.mu.Lock()
	o.scene = name
	o.mu.Unlock()
	o.broker.Publish(ctx, event.NewOBSScene(name))
}

// UpdateExpression records the active avatar expression and broadcasts it.
func (o *Orchestrator) UpdateExpression(ctx context.Context, name string) {
	o.mu.Lock()
	o.expression = name
	o.mu.Unlock()
	o.broker.Publish(ctx, event.NewVTSExpression(name))
}

// RecordTTS ingests externally performed synthesis activity: it marks the
// worker's latency and republishes the request for subscribers.
func (o *Orchestrator) RecordTTS(ctx context.Context, rec TTSRecord) {
	if rec.LatencyMS > 0 {
		o.modules.MarkLatency(module.TTSWorker, rec.LatencyMS)
	}
	o.broker.Publish(ctx, event.NewTTSRequest(rec.RequestID, rec.Text, rec.Voice, rec.LatencyMS))
}

// RecordTurn appends a conversation turn directly and broadcasts any summary
// produced.
func (o *Orchestrator) RecordTurn(ctx context.Context, role, text string) {
	if s := o.memory.AddTurn(ctx, role, text); s != nil {
		o.broker.Publish(ctx, event.NewMemorySummary(s.SummaryText, s.MoodState))
	}
}

// ─── Pipeline ingress ─────────────────────────────────────────────────────────

// HandleASRPartial echoes the partial to subscribers and feeds the engine.
func (o *Orchestrator) HandleASRPartial(ctx context.Context, evt engine.ASREvent) {
	o.broker.Publish(ctx, event.NewASRPartial(evt.Segment, evt.Text, evt.Confidence))
	o.engine.HandleASRPartial(ctx, evt)
}

// HandleASRFinal echoes the final to subscribers and feeds the engine.
func (o *Orchestrator) HandleASRFinal(ctx context.Context, evt engine.ASREvent) {
	o.broker.Publish(ctx, event.NewASRFinal(evt.Segment, evt.Text, evt.Confidence))
	o.engine.HandleASRFinal(ctx, evt)
}

// ProcessManualPrompt injects an operator prompt into the pipeline.
func (o *Orchestrator) ProcessManualPrompt(ctx context.Context, text string, synthesize bool) {
	o.engine.ProcessManualPrompt(ctx, text, synthesize)
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// StartBackgroundTasks launches the periodic status broadcaster: every 5 s
// module latencies are jittered and a full status snapshot is published.
// Subsequent calls are no-ops.
func (o *Orchestrator) StartBackgroundTasks(ctx context.Context) {
	o.startOnce.Do(func() {
		ctx, o.bgCancel = context.WithCancel(ctx)
		go func() {
			defer close(o.bgDone)
			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					o.broadcastStatus(ctx)
				}
			}
		}()
	})
}

// Shutdown stops background tasks. It is idempotent and safe to call even if
// StartBackgroundTasks never ran.
func (o *Orchestrator) Shutdown(context.Context) {
	o.stopOnce.Do(func() {
		if o.bgCancel != nil {
			o.bgCancel()
			<-o.bgDone
		}
		slog.Info("orchestrator stopped")
	})
}

// broadcastStatus jitters latencies and publishes the snapshot.
func (o *Orchestrator) broadcastStatus(ctx context.Context) {
	jittered := o.modules.Jitter()
	snap := o.Snapshot()

	mods := make([]map[string]any, 0, len(jittered))
	for _, m := range jittered {
		mods = append(mods, moduleMap(m))
	}
	snap["modules"] = mods

	o.broker.Publish(ctx, event.NewStatus(snap))
}

func moduleMap(m module.State) map[string]any {
	return map[string]any{
		"name":       m.Name,
		"enabled":    m.Enabled,
		"health":     string(m.Health),
		"latency_ms": event.Round2(m.LatencyMS),
	}
}
