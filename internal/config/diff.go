package config

// ChangeSet describes what changed between two configs. Only fields that can
// be applied without a restart are tracked; everything else needs a process
// bounce to take effect.
type ChangeSet struct {
	// LogLevelChanged is true when server.log_level differs.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PresetsChanged is true when any persona preset was added, removed, or
	// edited, or when personas.initial differs.
	PresetsChanged bool
	PresetChanges  []PresetDiff

	// VoiceChanged is true when tts.default_voice differs.
	VoiceChanged bool
	NewVoice     string

	// TelemetryChanged is true when the telemetry endpoint differs.
	TelemetryChanged bool
}

// PresetDiff describes one persona preset's change between two configs.
type PresetDiff struct {
	Name    string
	Added   bool
	Removed bool
	Edited  bool
}

// Diff compares old and new configs and reports the hot-reloadable changes.
func Diff(oldCfg, newCfg *Config) ChangeSet {
	var cs ChangeSet

	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		cs.LogLevelChanged = true
		cs.NewLogLevel = newCfg.Server.LogLevel
	}

	if oldCfg.TTS.DefaultVoice != newCfg.TTS.DefaultVoice {
		cs.VoiceChanged = true
		cs.NewVoice = newCfg.TTS.DefaultVoice
	}

	if oldCfg.Telemetry.Endpoint != newCfg.Telemetry.Endpoint {
		cs.TelemetryChanged = true
	}

	if oldCfg.Personas.Initial != newCfg.Personas.Initial {
		cs.PresetsChanged = true
	}
	for name, np := range newCfg.Personas.Presets {
		op, ok := oldCfg.Personas.Presets[name]
		switch {
		case !ok:
			cs.PresetsChanged = true
			cs.PresetChanges = append(cs.PresetChanges, PresetDiff{Name: name, Added: true})
		case op != np:
			cs.PresetsChanged = true
			cs.PresetChanges = append(cs.PresetChanges, PresetDiff{Name: name, Edited: true})
		}
	}
	for name := range oldCfg.Personas.Presets {
		if _, ok := newCfg.Personas.Presets[name]; !ok {
			cs.PresetsChanged = true
			cs.PresetChanges = append(cs.PresetChanges, PresetDiff{Name: name, Removed: true})
		}
	}

	return cs
}
