package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const watcherYAMLv1 = `
server:
  listen_addr: ":8350"
  log_level: info
`

const watcherYAMLv2 = `
server:
  listen_addr: ":8350"
  log_level: debug
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// Bump mtime so the poller's quick check sees the change even on coarse
	// filesystem clocks.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kitsunebi.yaml")
	writeFile(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcher_InitialLoadFailsOnInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kitsunebi.yaml")
	writeFile(t, path, "server:\n  log_level: loud\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("invalid initial config accepted")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kitsunebi.yaml")
	writeFile(t, path, watcherYAMLv1)

	var mu sync.Mutex
	var gotOld, gotNew *Config
	changed := make(chan struct{}, 1)

	w, err := NewWatcher(path, func(o, n *Config) {
		mu.Lock()
		gotOld, gotNew = o, n
		mu.Unlock()
		changed <- struct{}{}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	writeFile(t, path, watcherYAMLv2)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("change never detected")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld.Server.LogLevel != LogInfo || gotNew.Server.LogLevel != LogDebug {
		t.Errorf("old/new log level = %q/%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_KeepsPreviousOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kitsunebi.yaml")
	writeFile(t, path, watcherYAMLv1)

	called := false
	w, err := NewWatcher(path, func(*Config, *Config) { called = true },
		WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	writeFile(t, path, "server:\n  log_level: loud\n")
	time.Sleep(100 * time.Millisecond)

	if called {
		t.Error("onChange fired for an invalid config")
	}
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("Current() log_level = %q, want previous value info", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kitsunebi.yaml")
	writeFile(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
