package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Workers
	if err := validateBaseURL("policy.base_url", cfg.Policy.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateBaseURL("tts.base_url", cfg.TTS.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Policy.Timeout < 0 {
		errs = append(errs, fmt.Errorf("policy.timeout must not be negative"))
	}
	if cfg.TTS.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tts.timeout must not be negative"))
	}

	// Memory
	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: mem, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == BackendPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("memory.postgres_dsn is required when memory.backend is postgres"))
	}
	if cfg.Memory.Summarizer != "" && !cfg.Memory.Summarizer.IsValid() {
		errs = append(errs, fmt.Errorf("memory.summarizer %q is invalid; valid values: heuristic, ollama", cfg.Memory.Summarizer))
	}
	if cfg.Memory.Summarizer == SummarizerOllama && cfg.Memory.Ollama.Model == "" {
		errs = append(errs, fmt.Errorf("memory.ollama.model is required when memory.summarizer is ollama"))
	}
	if cfg.Memory.Capacity < 0 {
		errs = append(errs, fmt.Errorf("memory.capacity must not be negative"))
	}
	if cfg.Memory.SummaryInterval < 0 {
		errs = append(errs, fmt.Errorf("memory.summary_interval must not be negative"))
	}

	// Personas
	if cfg.Personas.Initial != "" {
		if _, ok := cfg.Personas.Presets[cfg.Personas.Initial]; !ok {
			errs = append(errs, fmt.Errorf("personas.initial %q is not among the configured presets", cfg.Personas.Initial))
		}
	}
	for name, p := range cfg.Personas.Presets {
		if p.Chaos < 0 || p.Chaos > 1 {
			errs = append(errs, fmt.Errorf("personas.presets[%s].chaos %.2f is out of range [0, 1]", name, p.Chaos))
		}
		if p.Energy < 0 || p.Energy > 1 {
			errs = append(errs, fmt.Errorf("personas.presets[%s].energy %.2f is out of range [0, 1]", name, p.Energy))
		}
	}

	// Supervisor
	seen := make(map[string]int, len(cfg.Supervisor.Services))
	for i, svc := range cfg.Supervisor.Services {
		prefix := fmt.Sprintf("supervisor.services[%d]", i)
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[svc.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of supervisor.services[%d]", prefix, svc.Name, prev))
			}
			seen[svc.Name] = i
		}
		if len(svc.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
		if svc.RestartDelay < 0 {
			errs = append(errs, fmt.Errorf("%s.restart_delay must not be negative", prefix))
		}
		if svc.HealthRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.health_retries must not be negative", prefix))
		}
		if svc.RequirePortFree < 0 || svc.RequirePortFree > 65535 {
			errs = append(errs, fmt.Errorf("%s.require_port_free %d is not a valid TCP port", prefix, svc.RequirePortFree))
		}
	}
	for _, name := range cfg.Supervisor.Disabled {
		if _, ok := seen[name]; !ok {
			slog.Warn("supervisor.disabled names an unknown service", "service", name)
		}
	}

	// Degraded-but-valid setups are warnings, not errors.
	if cfg.Policy.BaseURL == "" {
		slog.Warn("policy.base_url is empty; the pipeline cannot generate replies")
	}
	if cfg.TTS.BaseURL == "" {
		slog.Warn("tts.base_url is empty; replies will be text-only")
	}
	if cfg.Memory.Backend == BackendMem && cfg.Memory.RestoreWindow > 0 {
		slog.Warn("memory.restore_window has no effect with the in-memory backend")
	}

	return errors.Join(errs...)
}

// validateBaseURL rejects non-empty values that do not parse as absolute
// http(s) URLs.
func validateBaseURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q is not an absolute http(s) URL", field, raw)
	}
	return nil
}
