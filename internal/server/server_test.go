package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/engine"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/health"
	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
	"github.com/kitsunebi-ai/kitsunebi/internal/server"
	"github.com/kitsunebi-ai/kitsunebi/internal/state"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
	policymock "github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy/mock"
	ttsmock "github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts/mock"
)

type fixture struct {
	srv *httptest.Server
	brk *broker.Broker
	pol *policymock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := broker.New()
	mods := module.NewRegistry(module.DefaultRoster())
	personas := persona.NewStore(map[string]persona.Preset{
		"cozy": {Style: "gentle", Chaos: 0.2, Energy: 0.4, FamilyMode: true},
	}, "cozy")
	mem := memory.NewBuffer(memory.HeuristicSummarizer{}, memory.NewMemStore(),
		memory.WithSummaryInterval(100))
	pol := &policymock.Provider{
		Final: &policy.Final{Content: "<speech>hello</speech>", Meta: policy.Meta{Status: policy.StatusOK}},
	}

	eng := engine.New(engine.Config{
		Broker: b, Modules: mods, Personas: personas, Memory: mem,
		Policy: pol, TTS: &ttsmock.Provider{}, Voice: "aoi",
	})
	orch := state.New(state.Config{
		Broker: b, Modules: mods, Personas: personas, Memory: mem, Engine: eng,
	})

	s := server.New(server.Config{
		Orchestrator: orch,
		Broker:       b,
		Health:       health.New(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: ts, brk: b, pol: pol}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestASRIngress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.post(t, "/events/asr", map[string]any{
		"final": true, "segment": 1, "text": "hello there", "confidence": 0.91,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if n := len(f.pol.Calls()); n != 1 {
		t.Errorf("policy invocations = %d, want 1", n)
	}
}

func TestASRIngress_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.post(t, "/events/asr", map[string]any{"final": true, "segment": 2, "text": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestASRIngress_RejectsMalformedSegments(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for name, body := range map[string]map[string]any{
		"negative segment":    {"final": true, "segment": -1, "text": "hi"},
		"confidence over 1":   {"final": true, "segment": 4, "text": "hi", "confidence": 1.2},
		"negative confidence": {"final": true, "segment": 5, "text": "hi", "confidence": -0.1},
		"inverted timestamps": {"final": true, "segment": 6, "text": "hi", "started_at": 20.0, "ended_at": 10.0},
	} {
		if resp := f.post(t, "/events/asr", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
	if n := len(f.pol.Calls()); n != 0 {
		t.Errorf("policy invocations = %d, want 0 for rejected segments", n)
	}
}

func TestASRIngress_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.post(t, "/events/asr", map[string]any{"final": true, "segment": 3, "text": "hi", "bogus": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestManualPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.post(t, "/prompt", map[string]any{"text": "say hi to chat", "synthesize": false})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if n := len(f.pol.Calls()); n != 1 {
		t.Errorf("policy invocations = %d, want 1", n)
	}
}

func TestControlEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if resp := f.post(t, "/control/mute", map[string]any{"muted": true}); resp.StatusCode != http.StatusOK {
		t.Errorf("mute status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/control/toggle", map[string]any{"module": "asr_worker", "enabled": false}); resp.StatusCode != http.StatusOK {
		t.Errorf("toggle status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/control/toggle", map[string]any{"module": "ghost", "enabled": true}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown module status = %d, want 404", resp.StatusCode)
	}
	if resp := f.post(t, "/control/preset", map[string]any{"preset": "cozy"}); resp.StatusCode != http.StatusOK {
		t.Errorf("preset status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/control/preset", map[string]any{"preset": "nope"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown preset status = %d, want 404", resp.StatusCode)
	}
	if resp := f.post(t, "/control/panic", map[string]any{"reason": "raid"}); resp.StatusCode != http.StatusOK {
		t.Errorf("panic status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/control/persona", map[string]any{"chaos": 0.8}); resp.StatusCode != http.StatusOK {
		t.Errorf("persona status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/control/scene", map[string]any{"scene": "brb"}); resp.StatusCode != http.StatusOK {
		t.Errorf("scene status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/memory/turn", map[string]any{"role": "viewer", "text": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.post(t, "/control/panic", map[string]any{"reason": "test"})

	resp, err := http.Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["muted"] != true {
		t.Errorf("muted = %v, want true after panic", snap["muted"])
	}
	if snap["panic_count"].(float64) != 1 {
		t.Errorf("panic_count = %v, want 1", snap["panic_count"])
	}
	if _, ok := snap["modules"].([]any); !ok {
		t.Errorf("modules missing from snapshot: %v", snap)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+f.srv.URL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the subscription to be registered before publishing.
	deadline := time.After(2 * time.Second)
	for f.brk.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.brk.Publish(ctx, event.NewMute(true))

	var got event.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != event.TypeMute {
		t.Errorf("event type = %q, want %q", got.Type, event.TypeMute)
	}
	if got.Muted == nil || !*got.Muted {
		t.Errorf("muted = %v, want true", got.Muted)
	}
}
