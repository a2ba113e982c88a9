// Package event defines the value-typed lifecycle events that flow through
// the Kitsunebi broker.
//
// Every observable stage of the conversation pipeline — ASR ingress, policy
// token streaming, TTS chunk synthesis, control commands, module health —
// is expressed as an [Event]. Events are immutable once published and are
// JSON-serialisable for the WebSocket egress and the telemetry sink.
package event

import (
	"math"
	"time"
)

// Type identifies the kind of an [Event].
type Type string

// Event types emitted by the orchestrator. The names are part of the wire
// contract with dashboard and overlay subscribers and must not change.
const (
	TypeASRPartial     Type = "asr_partial"
	TypeASRFinal       Type = "asr_final"
	TypePolicyToken    Type = "policy.token"
	TypePolicyFinal    Type = "policy_final"
	TypeTTSChunk       Type = "tts_chunk"
	TypeTTSGenerated   Type = "tts_generated"
	TypeTTSRequest     Type = "tts_request"
	TypeModuleToggle   Type = "module.toggle"
	TypePanic          Type = "control.panic"
	TypeMute           Type = "control.mute"
	TypePreset         Type = "control_preset"
	TypePersonaUpdate  Type = "persona_update"
	TypeMemorySummary  Type = "memory_summary"
	TypeOBSScene       Type = "obs_scene"
	TypeVTSExpression  Type = "vts_expression"
	TypePipelineMetric Type = "pipeline.metric"
	TypeStatus         Type = "status"
)

// Pipeline metric stage names carried by [TypePipelineMetric] events.
const (
	StagePolicyFirstToken = "policy_first_token"
	StageTTSFirstChunk    = "tts_first_chunk"
	StagePolicyTotal      = "policy_total"
)

// Event is a single tagged lifecycle record. Only the fields relevant to the
// event's Type are populated; everything else is zero and omitted from JSON.
//
// Events are value types: publishers hand them to the broker by value and
// must not mutate payload maps after publishing.
type Event struct {
	Type Type  `json:"type"`
	TS   int64 `json:"ts,omitempty"`

	// ASR ingress.
	Segment    int     `json:"segment,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`

	// Policy streaming.
	Token     string `json:"token,omitempty"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// TTS.
	Index      int    `json:"index,omitempty"`
	AudioPath  string `json:"audio_path,omitempty"`
	Voice      string `json:"voice,omitempty"`
	TextLength int    `json:"text_length,omitempty"`
	Cached     bool   `json:"cached,omitempty"`

	// Metrics.
	Stage     string  `json:"stage,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Mode      string  `json:"mode,omitempty"`

	// Module / control.
	Module  string `json:"module,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Muted   *bool  `json:"muted,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Preset  string `json:"preset,omitempty"`

	// Persona, scene, expression.
	Style      string  `json:"style,omitempty"`
	ChaosLevel float64 `json:"chaos_level,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	FamilyMode *bool   `json:"family_mode,omitempty"`
	Scene      string  `json:"scene,omitempty"`
	Expression string  `json:"expression,omitempty"`

	// Memory.
	Summary string `json:"summary,omitempty"`
	Mood    string `json:"mood,omitempty"`

	// Status snapshots carry an opaque payload assembled by the facade.
	Payload map[string]any `json:"payload,omitempty"`
}

// Round2 rounds v to two decimal places. Latency fields on published events
// use this so dashboards never see float noise.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func now() int64 { return time.Now().Unix() }

// NewPolicyToken creates a policy.token event for one streamed fragment.
func NewPolicyToken(requestID, token string) Event {
	return Event{Type: TypePolicyToken, TS: now(), RequestID: requestID, Token: token}
}

// NewPolicyFinal creates a policy_final event carrying the extracted reply.
func NewPolicyFinal(requestID, content string) Event {
	return Event{Type: TypePolicyFinal, TS: now(), RequestID: requestID, Content: content}
}

// NewTTSChunk creates a tts_chunk event for one synthesised slice of a
// streaming reply.
func NewTTSChunk(index int, requestID, audioPath, voice string, latencyMS float64, textLen int) Event {
	return Event{
		Type:       TypeTTSChunk,
		TS:         now(),
		Index:      index,
		RequestID:  requestID,
		AudioPath:  audioPath,
		Voice:      voice,
		LatencyMS:  Round2(latencyMS),
		TextLength: textLen,
		Mode:       "streaming",
	}
}

// NewTTSGenerated creates a tts_generated event for a single-shot synthesis.
func NewTTSGenerated(requestID, audioPath, voice, text string, latencyMS float64, cached bool) Event {
	return Event{
		Type:      TypeTTSGenerated,
		TS:        now(),
		RequestID: requestID,
		AudioPath: audioPath,
		Voice:     voice,
		Text:      text,
		LatencyMS: Round2(latencyMS),
		Cached:    cached,
	}
}

// NewPipelineMetric creates a pipeline.metric event for the given stage.
func NewPipelineMetric(stage string, latencyMS float64, mode, requestID string) Event {
	return Event{
		Type:      TypePipelineMetric,
		TS:        now(),
		Stage:     stage,
		LatencyMS: Round2(latencyMS),
		Mode:      mode,
		RequestID: requestID,
	}
}

// NewModuleToggle creates a module.toggle event.
func NewModuleToggle(name string, enabled bool) Event {
	return Event{Type: TypeModuleToggle, TS: now(), Module: name, Enabled: &enabled}
}

// NewMute creates a control.mute event.
func NewMute(muted bool) Event {
	return Event{Type: TypeMute, TS: now(), Muted: &muted}
}

// NewPanic creates a control.panic event.
func NewPanic(reason string) Event {
	return Event{Type: TypePanic, TS: now(), Reason: reason}
}

// NewPersonaUpdate creates a persona_update event reflecting the active persona.
func NewPersonaUpdate(preset, style string, chaos, energy float64, familyMode bool) Event {
	return Event{
		Type:       TypePersonaUpdate,
		TS:         now(),
		Preset:     preset,
		Style:      style,
		ChaosLevel: chaos,
		Energy:     energy,
		FamilyMode: &familyMode,
	}
}

// NewMemorySummary creates a memory_summary event.
func NewMemorySummary(summary, mood string) Event {
	return Event{Type: TypeMemorySummary, TS: now(), Summary: summary, Mood: mood}
}

// NewPreset creates a control_preset event.
func NewPreset(name string) Event {
	return Event{Type: TypePreset, TS: now(), Preset: name}
}

// NewTTSRequest creates a tts_request event reporting externally performed
// synthesis activity.
func NewTTSRequest(requestID, text, voice string, latencyMS float64) Event {
	return Event{
		Type:      TypeTTSRequest,
		TS:        now(),
		RequestID: requestID,
		Text:      text,
		Voice:     voice,
		LatencyMS: Round2(latencyMS),
	}
}

// NewOBSScene creates an obs_scene event.
func NewOBSScene(scene string) Event {
	return Event{Type: TypeOBSScene, TS: now(), Scene: scene}
}

// NewVTSExpression creates a vts_expression event.
func NewVTSExpression(expression string) Event {
	return Event{Type: TypeVTSExpression, TS: now(), Expression: expression}
}

// NewASRPartial creates an asr_partial ingress echo event.
func NewASRPartial(segment int, text string, confidence float64) Event {
	return Event{Type: TypeASRPartial, TS: now(), Segment: segment, Text: text, Confidence: confidence}
}

// NewASRFinal creates an asr_final ingress echo event.
func NewASRFinal(segment int, text string, confidence float64) Event {
	return Event{Type: TypeASRFinal, TS: now(), Segment: segment, Text: text, Confidence: confidence}
}

// NewStatus creates a status broadcast carrying the full facade snapshot.
func NewStatus(payload map[string]any) Event {
	return Event{Type: TypeStatus, TS: now(), Payload: payload}
}
