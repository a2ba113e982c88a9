package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kitsunebi-ai/kitsunebi/internal/engine"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
	"github.com/kitsunebi-ai/kitsunebi/internal/state"
)

// maxBodyBytes bounds every decoded request body.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	Status string `json:"status"`
}

var accepted = okBody{Status: "ok"}

// decode parses the JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// asrRequest is one recognizer segment event. Final selects which pipeline
// entry point runs; everything else mirrors engine.ASREvent.
type asrRequest struct {
	Final      bool    `json:"final"`
	Segment    int     `json:"segment"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	StartedAt  float64 `json:"started_at,omitempty"`
	EndedAt    float64 `json:"ended_at,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	var req asrRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}
	if req.Segment < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "segment must be >= 0"})
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "confidence must be within [0, 1]"})
		return
	}
	if req.EndedAt < req.StartedAt {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "ended_at must not precede started_at"})
		return
	}

	evt := engine.ASREvent{
		Segment:    req.Segment,
		Text:       req.Text,
		Confidence: req.Confidence,
		Language:   req.Language,
		StartedAt:  req.StartedAt,
		EndedAt:    req.EndedAt,
		LatencyMS:  req.LatencyMS,
		DurationMS: req.DurationMS,
	}
	if req.Final {
		s.cfg.Orchestrator.HandleASRFinal(r.Context(), evt)
	} else {
		s.cfg.Orchestrator.HandleASRPartial(r.Context(), evt)
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string `json:"text"`
		Synthesize bool   `json:"synthesize"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}
	s.cfg.Orchestrator.ProcessManualPrompt(r.Context(), req.Text, req.Synthesize)
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module  string `json:"module"`
		Enabled bool   `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Orchestrator.ToggleModule(r.Context(), req.Module, req.Enabled); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.SetMute(r.Context(), req.Muted)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.TriggerPanic(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Style      *string  `json:"style,omitempty"`
		Chaos      *float64 `json:"chaos,omitempty"`
		Energy     *float64 `json:"energy,omitempty"`
		FamilyMode *bool    `json:"family_mode,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.UpdatePersona(r.Context(), persona.Update{
		Style:      req.Style,
		Chaos:      req.Chaos,
		Energy:     req.Energy,
		FamilyMode: req.FamilyMode,
	})
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preset string `json:"preset"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.cfg.Orchestrator.ApplyPreset(r.Context(), req.Preset); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scene string `json:"scene"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.UpdateScene(r.Context(), req.Scene)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleExpression(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.UpdateExpression(r.Context(), req.Expression)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleTTSRecord(w http.ResponseWriter, r *http.Request) {
	var req state.TTSRecord
	if !decode(w, r, &req) {
		return
	}
	s.cfg.Orchestrator.RecordTTS(r.Context(), req)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Role != "user" && req.Role != "assistant" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "role must be user or assistant"})
		return
	}
	s.cfg.Orchestrator.RecordTurn(r.Context(), req.Role, req.Text)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Snapshot())
}
