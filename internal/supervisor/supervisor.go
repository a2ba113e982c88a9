// Package supervisor owns the worker child processes: it spawns them behind
// start predicates, demultiplexes their output into the structured log,
// watches optional HTTP health probes, and restarts crashed children with
// exponential backoff.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
)

const (
	// terminateGrace is how long a child gets between SIGTERM and SIGKILL.
	terminateGrace = 10 * time.Second

	// maxRestartDelay caps the exponential restart backoff.
	maxRestartDelay = 30 * time.Second

	// defaultRestartDelay seeds the backoff when the spec does not set one.
	defaultRestartDelay = time.Second

	// backoffResetAfter is how long a child must stay up before its next
	// crash counts as a fresh failure rather than a consecutive one.
	backoffResetAfter = 60 * time.Second

	// probeTimeout bounds one health probe request.
	probeTimeout = 5 * time.Second
)

// HealthProbe configures the optional HTTP liveness check of one service.
type HealthProbe struct {
	// URL is fetched with GET every Interval. A status >= 500 or any network
	// failure counts as one probe failure.
	URL string `yaml:"url"`

	// Interval is both the initial grace period and the probe cadence.
	Interval time.Duration `yaml:"interval"`

	// Retries is how many consecutive failures terminate the child.
	Retries int `yaml:"retries"`
}

// ServiceSpec defines one managed child process.
type ServiceSpec struct {
	// Name identifies the service in logs and metrics.
	Name string `yaml:"name"`

	// Command is the argv; Command[0] is the executable.
	Command []string `yaml:"command"`

	// Env holds extra environment variables merged over the parent's.
	Env map[string]string `yaml:"env,omitempty"`

	// Dir is the child's working directory; empty inherits the parent's.
	Dir string `yaml:"dir,omitempty"`

	// Restart re-spawns the child after a non-zero exit.
	Restart bool `yaml:"restart"`

	// RestartDelay seeds the backoff between restarts. Zero means 1 s.
	RestartDelay time.Duration `yaml:"restart_delay,omitempty"`

	// Health optionally probes the child over HTTP.
	Health *HealthProbe `yaml:"health,omitempty"`

	// Predicate optionally gates the start. Not configurable from YAML;
	// wiring code attaches it.
	Predicate Predicate `yaml:"-"`
}

// Supervisor runs a set of services until its context is cancelled.
type Supervisor struct {
	specs    []ServiceSpec
	disabled map[string]struct{}
	metrics  *observe.Metrics
	probe    *http.Client

	// onRestart, when set, observes every restart. Used by tests.
	onRestart func(service string, attempt int)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDisabled skips the named services entirely.
func WithDisabled(names []string) Option {
	return func(s *Supervisor) {
		for _, n := range names {
			s.disabled[n] = struct{}{}
		}
	}
}

// WithMetrics records restarts to the given instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithRestartHook observes every restart attempt.
func WithRestartHook(fn func(service string, attempt int)) Option {
	return func(s *Supervisor) {
		s.onRestart = fn
	}
}

// New creates a Supervisor for specs.
func New(specs []ServiceSpec, opts ...Option) *Supervisor {
	s := &Supervisor{
		specs:    specs,
		disabled: make(map[string]struct{}),
		probe:    &http.Client{Timeout: probeTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run starts every enabled service and blocks until ctx is cancelled and all
// children have been reaped. Per-service failures are contained: one service
// crashing (or failing its predicate) never stops the others.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range s.specs {
		if _, off := s.disabled[spec.Name]; off {
			slog.Info("service disabled, skipping", "service", spec.Name)
			continue
		}
		g.Go(func() error {
			s.runService(ctx, spec)
			return nil
		})
	}
	return g.Wait()
}

// runService drives one service's start/probe/restart loop.
func (s *Supervisor) runService(ctx context.Context, spec ServiceSpec) {
	log := slog.With("service", spec.Name)

	if len(spec.Command) == 0 {
		log.Error("service has an empty command, skipping")
		return
	}
	if spec.Predicate != nil {
		if ok, reason := spec.Predicate(ctx); !ok {
			log.Warn("start predicate failed, not starting", "reason", reason)
			return
		}
	}

	seed := spec.RestartDelay
	if seed <= 0 {
		seed = defaultRestartDelay
	}

	var delay time.Duration
	for attempt := 0; ; attempt++ {
		started := time.Now()
		err := s.runOnce(ctx, spec, log)
		uptime := time.Since(started)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("service exited cleanly")
			return
		}
		if !spec.Restart {
			log.Error("service failed and restart is off", "err", err)
			return
		}

		delay = nextRestartDelay(delay, seed, uptime)
		log.Warn("service crashed, restarting", "err", err, "delay", delay, "attempt", attempt+1)
		if s.metrics != nil {
			s.metrics.RecordRestart(ctx, spec.Name)
		}
		if s.onRestart != nil {
			s.onRestart(spec.Name, attempt+1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextRestartDelay computes the pause before re-spawning a crashed child.
// Consecutive crashes double the previous pause up to maxRestartDelay; the
// first crash, or a crash after an uptime of at least backoffResetAfter,
// starts over from seed.
func nextRestartDelay(prev, seed, uptime time.Duration) time.Duration {
	if prev <= 0 || uptime >= backoffResetAfter {
		return seed
	}
	return min(prev*2, maxRestartDelay)
}

// runOnce spawns the child and blocks until it exits, the health probe gives
// up on it, or ctx is cancelled. A nil return means clean exit.
func (s *Supervisor) runOnce(ctx context.Context, spec ServiceSpec, log *slog.Logger) error {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %q: %w", spec.Command[0], err)
	}
	log.Info("service started", "pid", cmd.Process.Pid)

	go demux(stdout, func(line string) { log.Info(line) })
	go demux(stderr, func(line string) { log.Error(line) })

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	probeFailed := make(chan struct{})
	if spec.Health != nil && spec.Health.URL != "" {
		go s.watchHealth(probeCtx, *spec.Health, log, probeFailed)
	}

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("supervisor: child exited: %w", err)
		}
		return nil

	case <-probeFailed:
		log.Error("health probe exhausted retries, terminating child")
		s.terminate(cmd, waitCh, log)
		return fmt.Errorf("supervisor: %s failed its health probe", spec.Name)

	case <-ctx.Done():
		s.terminate(cmd, waitCh, log)
		return nil
	}
}

// terminate asks the child to stop and escalates to SIGKILL after the grace
// period.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh <-chan error, log *slog.Logger) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		<-waitCh
		return
	}
	select {
	case <-waitCh:
	case <-time.After(terminateGrace):
		log.Warn("child ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// watchHealth probes the child after an initial grace of one interval, then
// every interval. retries consecutive failures close failed.
func (s *Supervisor) watchHealth(ctx context.Context, hp HealthProbe, log *slog.Logger, failed chan<- struct{}) {
	interval := hp.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	retries := hp.Retries
	if retries <= 0 {
		retries = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.probeOnce(ctx, hp.URL) {
			failures = 0
			continue
		}
		failures++
		log.Warn("health probe failed", "url", hp.URL, "consecutive", failures)
		if failures >= retries {
			close(failed)
			return
		}
	}
}

// probeOnce reports whether one GET of url succeeded. A status >= 500 or any
// transport error is a failure.
func (s *Supervisor) probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// demux forwards each line of r to emit, until EOF.
func demux(r io.Reader, emit func(string)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			emit(line)
		}
	}
}
