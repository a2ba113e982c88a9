// Package persona holds the runtime-switchable persona and its named presets.
//
// A persona is the small set of style knobs injected into every policy
// request. Presets are loaded once from configuration and applied atomically;
// any out-of-preset field update flips the active preset name to "custom".
package persona

import (
	"errors"
	"sync"
	"time"
)

// CustomPreset is the active-preset name reported after a bare field update.
const CustomPreset = "custom"

// ErrUnknownPreset is returned by [Store.ApplyPreset] for an unregistered name.
var ErrUnknownPreset = errors.New("persona: unknown preset")

// Persona is the live style configuration sent with policy requests.
type Persona struct {
	Style       string  `json:"style"`
	Chaos       float64 `json:"chaos"`
	Energy      float64 `json:"energy"`
	FamilyMode  bool    `json:"family_mode"`
	LastUpdated int64   `json:"last_updated"`
}

// Preset is a named persona configuration plus an optional system prompt
// forwarded to the policy worker while the preset is active.
type Preset struct {
	Style        string  `yaml:"style" json:"style"`
	Chaos        float64 `yaml:"chaos" json:"chaos"`
	Energy       float64 `yaml:"energy" json:"energy"`
	FamilyMode   bool    `yaml:"family_mode" json:"family_mode"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt,omitempty"`
}

// Update is a partial persona mutation. Nil fields are left untouched.
type Update struct {
	Style      *string
	Chaos      *float64
	Energy     *float64
	FamilyMode *bool
}

// Store owns the active persona and the preset catalogue.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	presets map[string]Preset
	active  string
	current Persona
}

// NewStore creates a Store from the preset catalogue and applies the initial
// preset. An empty or unknown initial name falls back to a zero persona with
// active name "custom".
func NewStore(presets map[string]Preset, initial string) *Store {
	cp := make(map[string]Preset, len(presets))
	for k, v := range presets {
		cp[k] = v
	}
	s := &Store{presets: cp, active: CustomPreset}
	if p, ok := cp[initial]; ok {
		s.active = initial
		s.current = personaFromPreset(p)
	} else {
		s.current.LastUpdated = time.Now().Unix()
	}
	return s
}

// ApplyPreset atomically replaces the persona with the named preset.
func (s *Store) ApplyPreset(name string) (Persona, Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presets[name]
	if !ok {
		return Persona{}, Preset{}, ErrUnknownPreset
	}
	s.active = name
	s.current = personaFromPreset(p)
	return s.current, p, nil
}

// Apply merges u into the persona. If any field was supplied the active
// preset name becomes "custom". Chaos and energy are clamped into [0, 1].
func (s *Store) Apply(u Update) Persona {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if u.Style != nil {
		s.current.Style = *u.Style
		changed = true
	}
	if u.Chaos != nil {
		s.current.Chaos = clamp01(*u.Chaos)
		changed = true
	}
	if u.Energy != nil {
		s.current.Energy = clamp01(*u.Energy)
		changed = true
	}
	if u.FamilyMode != nil {
		s.current.FamilyMode = *u.FamilyMode
		changed = true
	}
	if changed {
		s.active = CustomPreset
		s.current.LastUpdated = time.Now().Unix()
	}
	return s.current
}

// Snapshot returns the current persona, the active preset name, and the
// system prompt of the active preset (empty while custom).
func (s *Store) Snapshot() (Persona, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt := ""
	if p, ok := s.presets[s.active]; ok {
		prompt = p.SystemPrompt
	}
	return s.current, s.active, prompt
}

// ReplacePresets swaps the preset catalogue, used on config hot reload. The
// live persona is untouched; if the active preset no longer exists the active
// name flips to "custom".
func (s *Store) ReplacePresets(presets map[string]Preset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]Preset, len(presets))
	for k, v := range presets {
		cp[k] = v
	}
	s.presets = cp
	if _, ok := cp[s.active]; !ok {
		s.active = CustomPreset
	}
}

// PresetNames returns the catalogue keys in no particular order.
func (s *Store) PresetNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.presets))
	for n := range s.presets {
		names = append(names, n)
	}
	return names
}

func personaFromPreset(p Preset) Persona {
	return Persona{
		Style:       p.Style,
		Chaos:       clamp01(p.Chaos),
		Energy:      clamp01(p.Energy),
		FamilyMode:  p.FamilyMode,
		LastUpdated: time.Now().Unix(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
