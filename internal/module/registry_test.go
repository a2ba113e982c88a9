package module_test

import (
	"errors"
	"testing"

	"github.com/kitsunebi-ai/kitsunebi/internal/module"
)

func newRegistry() *module.Registry {
	return module.NewRegistry(module.DefaultRoster())
}

func TestToggle_DisableForcesOffline(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	st, err := r.Toggle(module.TTSWorker, false)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if st.Enabled {
		t.Error("Enabled = true, want false")
	}
	if st.Health != module.HealthOffline {
		t.Errorf("Health = %q, want offline", st.Health)
	}

	// Health attribution on a disabled module must stay offline.
	if err := r.SetHealth(module.TTSWorker, module.HealthOnline); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	got, _ := r.Get(module.TTSWorker)
	if got.Health != module.HealthOffline {
		t.Errorf("Health after SetHealth on disabled = %q, want offline", got.Health)
	}
}

func TestToggle_UnknownModule(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	_, err := r.Toggle("mystery_worker", true)
	if !errors.Is(err, module.ErrUnknownModule) {
		t.Errorf("err = %v, want ErrUnknownModule", err)
	}
}

func TestMarkLatency_ClampedToFloor(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.MarkLatency(module.PolicyWorker, 0.2)
	st, _ := r.Get(module.PolicyWorker)
	if st.LatencyMS < 1.0 {
		t.Errorf("LatencyMS = %v, want >= 1.0", st.LatencyMS)
	}

	r.MarkLatency(module.PolicyWorker, 123.4)
	st, _ = r.Get(module.PolicyWorker)
	if st.LatencyMS != 123.4 {
		t.Errorf("LatencyMS = %v, want 123.4", st.LatencyMS)
	}
}

func TestJitter_StaysAboveFloorAndSkipsDisabled(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.MarkLatency(module.ASRWorker, 1.0)
	if _, err := r.Toggle(module.OBSWorker, false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	before, _ := r.Get(module.OBSWorker)

	for i := 0; i < 50; i++ {
		for _, st := range r.Jitter() {
			if st.LatencyMS < 1.0 {
				t.Fatalf("module %s latency %v below floor", st.Name, st.LatencyMS)
			}
		}
	}

	after, _ := r.Get(module.OBSWorker)
	if after.LatencyMS != before.LatencyMS {
		t.Errorf("disabled module latency drifted: %v -> %v", before.LatencyMS, after.LatencyMS)
	}
}

func TestSnapshot_RegistrationOrder(t *testing.T) {
	t.Parallel()

	r := module.NewRegistry([]string{"b", "a", "c", "a"})
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3 (duplicate collapsed)", len(snap))
	}
	want := []string{"b", "a", "c"}
	for i, st := range snap {
		if st.Name != want[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, st.Name, want[i])
		}
	}
}
