package engine_test

import (
	"context"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/engine"
	"github.com/kitsunebi-ai/kitsunebi/internal/event"
	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
	policymock "github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy/mock"
	ttsmock "github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts/mock"
)

type harness struct {
	broker  *broker.Broker
	modules *module.Registry
	mem     *memory.Buffer
	pol     *policymock.Provider
	tts     *ttsmock.Provider
	eng     *engine.Engine
	events  <-chan event.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		broker:  broker.New(),
		modules: module.NewRegistry(module.DefaultRoster()),
		mem: memory.NewBuffer(memory.HeuristicSummarizer{}, memory.NewMemStore(),
			memory.WithSummaryInterval(100)),
		pol: &policymock.Provider{},
		tts: &ttsmock.Provider{},
	}
	personas := persona.NewStore(map[string]persona.Preset{
		"debut": {Style: "playful", Chaos: 0.5, Energy: 0.8, SystemPrompt: "Be kind."},
	}, "debut")
	h.eng = engine.New(engine.Config{
		Broker:   h.broker,
		Modules:  h.modules,
		Personas: personas,
		Memory:   h.mem,
		Policy:   h.pol,
		TTS:      h.tts,
		Voice:    "aoi",
	})

	_, ch := h.broker.Subscribe()
	h.events = ch
	return h
}

// drain collects every event already delivered to the subscriber.
func (h *harness) drain() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []event.Event, t event.Type) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// okFinal wraps content in a successful final payload.
func okFinal(content string) *policy.Final {
	return &policy.Final{Content: content, Meta: policy.Meta{Status: policy.StatusOK}, RequestID: "req-1"}
}

// tokenSteps splits text into word tokens preceded by a start step.
func tokenSteps(text string) []policymock.Step {
	steps := []policymock.Step{{Event: policy.EventStart, Data: policy.StreamEvent{RequestID: "req-1"}}}
	for _, w := range strings.SplitAfter(text, " ") {
		steps = append(steps, policymock.Step{Event: policy.EventToken, Data: policy.StreamEvent{Token: w}})
	}
	return steps
}

const longReply = "This opening sentence is comfortably longer than the sixty character minimum, truly. Then a short tail follows."

func TestStreamingHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Steps = tokenSteps(longReply)
	h.pol.Final = okFinal(longReply)

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 1, Text: "say something nice"})

	evs := h.drain()

	chunks := ofType(evs, event.TypeTTSChunk)
	if len(chunks) != 2 {
		t.Fatalf("tts_chunk count = %d, want 2 (sentence + residual)", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk[%d].Index = %d, want %d", i, c.Index, i)
		}
		if !strings.HasSuffix(c.RequestID, "-chunk-"+string(rune('0'+i))) {
			t.Errorf("chunk[%d].RequestID = %q", i, c.RequestID)
		}
	}

	finals := ofType(evs, event.TypePolicyFinal)
	if len(finals) != 1 {
		t.Fatalf("policy_final count = %d, want 1", len(finals))
	}

	var stages []string
	for _, m := range ofType(evs, event.TypePipelineMetric) {
		stages = append(stages, m.Stage)
	}
	for _, want := range []string{event.StagePolicyFirstToken, event.StageTTSFirstChunk, event.StagePolicyTotal} {
		found := false
		for _, s := range stages {
			if s == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing pipeline.metric stage %q in %v", want, stages)
		}
	}

	turns := h.mem.Recent(10)
	if len(turns) != 2 || turns[0].Role != memory.RoleUser || turns[1].Role != memory.RoleAssistant {
		t.Errorf("memory turns = %+v, want user then assistant", turns)
	}

	if st, _ := h.modules.Get(module.PolicyWorker); st.Health != module.HealthOnline {
		t.Errorf("policy health = %s, want online", st.Health)
	}
	if st, _ := h.modules.Get(module.TTSWorker); st.Health != module.HealthOnline {
		t.Errorf("tts health = %s, want online", st.Health)
	}
}

func TestTextOnlyWhenMuted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.modules.Toggle(module.TTSWorker, false); err != nil {
		t.Fatal(err)
	}
	h.pol.Steps = tokenSteps(longReply)
	h.pol.Final = okFinal(longReply)

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 2, Text: "quiet please"})

	evs := h.drain()
	if n := len(ofType(evs, event.TypeTTSChunk)); n != 0 {
		t.Errorf("tts_chunk count = %d, want 0 while muted", n)
	}
	if n := len(ofType(evs, event.TypeTTSGenerated)); n != 0 {
		t.Errorf("tts_generated count = %d, want 0 while muted", n)
	}
	if n := len(ofType(evs, event.TypePolicyFinal)); n != 1 {
		t.Errorf("policy_final count = %d, want 1", n)
	}
	if n := len(h.tts.Calls()); n != 0 {
		t.Errorf("tts calls = %d, want 0", n)
	}
	if turns := h.mem.Recent(10); len(turns) != 2 || turns[1].Role != memory.RoleAssistant {
		t.Errorf("memory turns = %+v, want assistant turn recorded in text-only mode", turns)
	}
}

func TestDuplicateSegmentRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = okFinal("<speech>once</speech>")

	evt := engine.ASREvent{Segment: 7, Text: "same thing twice"}
	h.eng.HandleASRFinal(context.Background(), evt)
	h.eng.HandleASRFinal(context.Background(), evt)

	if n := len(h.pol.Calls()); n != 1 {
		t.Errorf("policy invocations = %d, want 1", n)
	}
	if n := len(ofType(h.drain(), event.TypePolicyFinal)); n != 1 {
		t.Errorf("policy_final count = %d, want 1", n)
	}
	// Duplicate finals must not double-record the user turn either.
	if turns := h.mem.Recent(10); len(turns) != 2 {
		t.Errorf("memory turns = %d, want 2", len(turns))
	}
}

func TestPartialThenFinalShareSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = okFinal("<speech>partial wins</speech>")

	h.eng.HandleASRPartial(context.Background(), engine.ASREvent{Segment: 4, Text: "partial hypo"})
	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 4, Text: "final text"})

	if n := len(h.pol.Calls()); n != 1 {
		t.Errorf("policy invocations = %d, want 1 (final rejected by dedup)", n)
	}
}

func TestPolicyBusyDefers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = &policy.Final{Content: "later", Meta: policy.Meta{Status: policy.StatusBusy}, RequestID: "req-1"}

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 9, Text: "overload"})

	if st, _ := h.modules.Get(module.PolicyWorker); st.Health != module.HealthDegraded {
		t.Errorf("policy health = %s, want degraded", st.Health)
	}
	evs := h.drain()
	if n := len(ofType(evs, event.TypeTTSChunk)) + len(ofType(evs, event.TypeTTSGenerated)); n != 0 {
		t.Errorf("synthesis events = %d, want 0 on busy", n)
	}
	// Only the user turn is in memory.
	if turns := h.mem.Recent(10); len(turns) != 1 || turns[0].Role != memory.RoleUser {
		t.Errorf("memory turns = %+v, want only the user turn", turns)
	}
}

func TestPolicyUnavailableGoesOffline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = nil // null response

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 10, Text: "anyone home"})

	if st, _ := h.modules.Get(module.PolicyWorker); st.Health != module.HealthOffline {
		t.Errorf("policy health = %s, want offline", st.Health)
	}
	if n := len(ofType(h.drain(), event.TypePolicyFinal)); n != 0 {
		t.Errorf("policy_final count = %d, want 0 on no response", n)
	}
}

func TestFallbackSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// Final with no prior tokens: streaming produced zero chunks.
	h.pol.Steps = []policymock.Step{{Event: policy.EventStart, Data: policy.StreamEvent{RequestID: "req-1"}}}
	h.pol.Final = okFinal("<speech>hi</speech>")

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 11, Text: "hello?"})

	evs := h.drain()
	if n := len(ofType(evs, event.TypeTTSChunk)); n != 0 {
		t.Errorf("tts_chunk count = %d, want 0", n)
	}
	gen := ofType(evs, event.TypeTTSGenerated)
	if len(gen) != 1 {
		t.Fatalf("tts_generated count = %d, want 1", len(gen))
	}
	if gen[0].Text != "hi" {
		t.Errorf("generated text = %q, want %q", gen[0].Text, "hi")
	}
	calls := h.tts.Calls()
	if len(calls) != 1 || calls[0].Text != "hi" {
		t.Errorf("tts calls = %+v, want one call with extracted speech", calls)
	}
	if turns := h.mem.Recent(10); len(turns) != 2 || turns[1].Text != "hi" {
		t.Errorf("memory turns = %+v, want assistant turn %q", turns, "hi")
	}
}

func TestRetryResetsBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Steps = []policymock.Step{
		{Event: policy.EventStart, Data: policy.StreamEvent{RequestID: "req-1"}},
		{Event: policy.EventToken, Data: policy.StreamEvent{Token: "wiped text that never reaches synthesis"}},
		{Event: policy.EventRetry, Data: policy.StreamEvent{Reason: "rewrite"}},
		{Event: policy.EventToken, Data: policy.StreamEvent{Token: "Kept."}},
	}
	h.pol.Final = okFinal("Kept.")

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 12, Text: "retry me"})

	chunks := ofType(h.drain(), event.TypeTTSChunk)
	if len(chunks) != 1 {
		t.Fatalf("tts_chunk count = %d, want 1 (residual flush)", len(chunks))
	}
	if chunks[0].Index != 0 {
		t.Errorf("chunk index = %d, want 0", chunks[0].Index)
	}
	if calls := h.tts.Calls(); len(calls) != 1 || calls[0].Text != "Kept." {
		t.Errorf("tts calls = %+v, want only the post-retry text", calls)
	}
}

func TestEmptySpeechSkipsSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = okFinal("<speech>   </speech>")

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 13, Text: "void"})

	evs := h.drain()
	if n := len(ofType(evs, event.TypePolicyFinal)); n != 1 {
		t.Errorf("policy_final count = %d, want 1", n)
	}
	if n := len(h.tts.Calls()); n != 0 {
		t.Errorf("tts calls = %d, want 0 for empty speech", n)
	}
	if turns := h.mem.Recent(10); len(turns) != 1 {
		t.Errorf("memory turns = %d, want only the user turn", len(turns))
	}
}

func TestManualPromptRespectsMute(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.modules.Toggle(module.TTSWorker, false); err != nil {
		t.Fatal(err)
	}
	h.pol.Final = okFinal("<speech>typed reply</speech>")

	h.eng.ProcessManualPrompt(context.Background(), "typed prompt", true)

	if n := len(h.tts.Calls()); n != 0 {
		t.Errorf("tts calls = %d, want 0 while muted even when caller asks for speech", n)
	}
	calls := h.pol.Calls()
	if len(calls) != 1 {
		t.Fatalf("policy invocations = %d, want 1", len(calls))
	}
	if calls[0].Req.Text != "typed prompt" || !calls[0].Req.IsFinal {
		t.Errorf("policy request = %+v", calls[0].Req)
	}
}

func TestRequestCarriesPersonaAndHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pol.Final = okFinal("ok")

	h.eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 20, Text: "context check"})

	calls := h.pol.Calls()
	if len(calls) != 1 {
		t.Fatalf("policy invocations = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.PersonaStyle != "playful" || req.ChaosLevel != 0.5 || req.Energy != 0.8 {
		t.Errorf("persona knobs not forwarded: %+v", req)
	}
	if req.PersonaPrompt != "Be kind." {
		t.Errorf("PersonaPrompt = %q", req.PersonaPrompt)
	}
	// The just-recorded user turn rides along as history.
	if len(req.History) != 1 || req.History[0].Role != memory.RoleUser || req.History[0].Content != "context check" {
		t.Errorf("history = %+v", req.History)
	}
}

func TestExtractSpeech(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"<speech>hello</speech>", "hello"},
		{"<SPEECH>shouted</SPEECH>", "shouted"},
		{"thoughts first <speech>line one\nline two</speech> after", "line one\nline two"},
		{"<speech>fish &amp; chips</speech>", "fish & chips"},
		{"no tags at all  ", "no tags at all"},
		{"<speech>  </speech>", ""},
	}
	for _, c := range cases {
		if got := engine.ExtractSpeech(c.in); got != c.want {
			t.Errorf("ExtractSpeech(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPipeline_SessionGaugeReturnsToZero(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := broker.New()
	mods := module.NewRegistry(module.DefaultRoster())
	personas := persona.NewStore(map[string]persona.Preset{
		"debut": {Style: "playful"},
	}, "debut")
	mem := memory.NewBuffer(memory.HeuristicSummarizer{}, memory.NewMemStore(),
		memory.WithSummaryInterval(100))
	pol := &policymock.Provider{
		Final: &policy.Final{Content: "<speech>hi</speech>", Meta: policy.Meta{Status: policy.StatusOK}},
	}
	eng := engine.New(engine.Config{
		Broker: b, Modules: mods, Personas: personas, Memory: mem,
		Policy: pol, TTS: &ttsmock.Provider{}, Metrics: met, Voice: "aoi",
	})

	eng.HandleASRFinal(context.Background(), engine.ASREvent{Segment: 1, Text: "hello"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "kitsunebi.active_sessions" {
				continue
			}
			found = true
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("active_sessions data = %#v", md.Data)
			}
			// The run incremented and decremented the gauge, so a data point
			// exists and nets out to zero once the pipeline returns.
			if v := sum.DataPoints[0].Value; v != 0 {
				t.Errorf("active sessions after pipeline = %d, want 0", v)
			}
		}
	}
	if !found {
		t.Fatal("active_sessions gauge never touched by the pipeline")
	}
}
