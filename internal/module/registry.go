// Package module tracks the enablement, health, and latency of every
// downstream worker the orchestrator talks to.
//
// The registry is the single writer of per-module state: the decision engine
// attributes health from collaborator responses, the facade toggles modules
// on operator command, and a periodic jitter pass nudges the reported
// latencies so dashboards show a live signal between real measurements.
package module

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// Health is the three-valued status attributed to a module.
type Health string

const (
	HealthOnline   Health = "online"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

// Default worker names for the standard Kitsunebi cohort.
const (
	ASRWorker    = "asr_worker"
	PolicyWorker = "policy_worker"
	TTSWorker    = "tts_worker"
	AvatarWorker = "avatar_worker"
	OBSWorker    = "obs_worker"
	ChatWorker   = "chat_worker"
)

// DefaultRoster lists the modules registered when no roster is configured.
func DefaultRoster() []string {
	return []string{ASRWorker, PolicyWorker, TTSWorker, AvatarWorker, OBSWorker, ChatWorker}
}

// ErrUnknownModule is returned when an operation names a module that was not
// registered at startup.
var ErrUnknownModule = errors.New("module: unknown module")

// minLatencyMS is the floor applied to every reported latency.
const minLatencyMS = 1.0

// jitterRangeMS is the half-width of the drift applied by [Registry.Jitter].
const jitterRangeMS = 5.0

// State is the externally visible record for one module.
// Invariant: Enabled == false implies Health == HealthOffline.
type State struct {
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	Health      Health  `json:"health"`
	LatencyMS   float64 `json:"latency_ms"`
	LastUpdated int64   `json:"last_updated"`
}

// Registry holds the state of all known modules. All methods are safe for
// concurrent use; mutations are serialised by a single mutex.
type Registry struct {
	mu      sync.Mutex
	modules map[string]*State
	order   []string
}

// NewRegistry creates a registry with one enabled, online entry per name.
// Duplicate names are collapsed.
func NewRegistry(names []string) *Registry {
	r := &Registry{modules: make(map[string]*State, len(names))}
	now := time.Now().Unix()
	for _, n := range names {
		if _, ok := r.modules[n]; ok {
			continue
		}
		r.modules[n] = &State{
			Name:        n,
			Enabled:     true,
			Health:      HealthOnline,
			LatencyMS:   minLatencyMS,
			LastUpdated: now,
		}
		r.order = append(r.order, n)
	}
	return r
}

// Toggle sets the enabled flag for name. Disabling a module forces its
// health to offline; re-enabling restores it to online.
func (r *Registry) Toggle(name string, enabled bool) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return State{}, ErrUnknownModule
	}
	m.Enabled = enabled
	if enabled {
		m.Health = HealthOnline
	} else {
		m.Health = HealthOffline
	}
	m.LastUpdated = time.Now().Unix()
	return *m, nil
}

// SetHealth attributes a health value to name. Health of a disabled module
// stays offline regardless of the attributed value.
func (r *Registry) SetHealth(name string, h Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return ErrUnknownModule
	}
	if !m.Enabled {
		m.Health = HealthOffline
	} else {
		m.Health = h
	}
	m.LastUpdated = time.Now().Unix()
	return nil
}

// MarkLatency records a measured latency for name, clamped to the 1 ms floor.
// Unknown names are ignored: latency attribution is best-effort.
func (r *Registry) MarkLatency(name string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return
	}
	if ms < minLatencyMS {
		ms = minLatencyMS
	}
	m.LatencyMS = ms
	m.LastUpdated = time.Now().Unix()
}

// Enabled reports whether name exists and is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return ok && m.Enabled
}

// Get returns the state for name.
func (r *Registry) Get(name string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return State{}, ErrUnknownModule
	}
	return *m, nil
}

// Snapshot returns a copy of all module states in registration order.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, *r.modules[n])
	}
	return out
}

// Jitter applies a random ±5 ms drift to every enabled module's latency,
// clamped to the 1 ms floor, and returns the resulting snapshot. Called every
// status-broadcast tick so dashboards see movement between real measurements.
func (r *Registry) Jitter() []State {
	r.mu.Lock()
	now := time.Now().Unix()
	for _, m := range r.modules {
		if !m.Enabled {
			continue
		}
		drift := (rand.Float64()*2 - 1) * jitterRangeMS
		m.LatencyMS += drift
		if m.LatencyMS < minLatencyMS {
			m.LatencyMS = minLatencyMS
		}
		m.LastUpdated = now
	}
	r.mu.Unlock()
	return r.Snapshot()
}
