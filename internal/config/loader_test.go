package config

import (
	"strings"
	"testing"
	"time"

	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
)

const validYAML = `
server:
  listen_addr: ":8350"
  log_level: info
policy:
  base_url: "http://127.0.0.1:8351"
  timeout: 30s
tts:
  base_url: "http://127.0.0.1:8352"
  default_voice: aoi
memory:
  backend: postgres
  postgres_dsn: "postgres://kitsu@localhost:5432/kitsunebi"
  capacity: 40
  summary_interval: 6
  restore_window: 30m
  summarizer: heuristic
personas:
  initial: cozy
  presets:
    cozy:
      style: gentle
      chaos: 0.1
      energy: 0.3
      family_mode: true
telemetry:
  endpoint: "http://127.0.0.1:9400/events"
supervisor:
  disabled: [asr_worker]
  services:
    - name: asr_worker
      command: ["python", "asr.py"]
      restart: true
      restart_delay: 2s
    - name: tts_worker
      command: ["python", "tts.py"]
      restart: true
      health_url: "http://127.0.0.1:8352/health"
      health_interval: 10s
      health_retries: 3
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8350" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Policy.Timeout != 30*time.Second {
		t.Errorf("policy.timeout = %v", cfg.Policy.Timeout)
	}
	if cfg.Memory.Backend != BackendPostgres {
		t.Errorf("memory.backend = %q", cfg.Memory.Backend)
	}
	if cfg.Memory.RestoreWindow != 30*time.Minute {
		t.Errorf("restore_window = %v", cfg.Memory.RestoreWindow)
	}
	if got := cfg.Personas.Presets["cozy"].Style; got != "gentle" {
		t.Errorf("cozy style = %q", got)
	}
	if len(cfg.Supervisor.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(cfg.Supervisor.Services))
	}
	if cfg.Supervisor.Services[1].HealthRetries != 3 {
		t.Errorf("health_retries = %d", cfg.Supervisor.Services[1].HealthRetries)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Policy.BaseURL = "not a url"
	cfg.Memory.Backend = BackendPostgres // missing DSN
	cfg.Memory.Summarizer = SummarizerOllama
	cfg.Personas.Initial = "ghost"
	cfg.Supervisor.Services = []ServiceConfig{{Name: "", Command: nil}}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{
		"server.log_level",
		"policy.base_url",
		"memory.postgres_dsn",
		"memory.ollama.model",
		"personas.initial",
		"supervisor.services[0].name",
		"supervisor.services[0].command",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error is missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_DuplicateServiceNames(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Supervisor.Services = []ServiceConfig{
		{Name: "w", Command: []string{"sh"}},
		{Name: "w", Command: []string{"sh"}},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate service names accepted: %v", err)
	}
}

func TestValidate_PresetKnobRanges(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Personas.Presets = map[string]persona.Preset{
		"wild": {Chaos: 1.5, Energy: -0.1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("out-of-range knobs accepted")
	}
	if !strings.Contains(err.Error(), "chaos") || !strings.Contains(err.Error(), "energy") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("missing file accepted")
	}
}
