package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubd/internal/config"
	"github.com/danmuck/hubd/internal/hub"
	"github.com/danmuck/hubd/internal/storage"
	"github.com/danmuck/hubd/internal/supervisor"
	"github.com/rs/zerolog"
)

func TestExampleConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"example-config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("example-config: %v", err)
	}
	if !strings.Contains(out.String(), "wrote "+path) {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("example not written: %v", err)
	}

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"example-config", path})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"example-config", "--force", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("example-config --force: %v", err)
	}
}

func TestRunWithoutConfigExitsCleanly(t *testing.T) {
	for _, key := range []string{config.EnvAddonToken, config.EnvToken} {
		if _, ok := os.LookupEnv(key); ok {
			t.Skipf("%s is set in the environment", key)
		}
	}
	dir := t.TempDir()
	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"run",
		"--config-dir", dir,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--log-level", "disabled",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run without config should exit cleanly, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ExampleFileName)); err != nil {
		t.Fatalf("example config not written: %v", err)
	}
}

func TestRunRejectsUnknownLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config-dir", t.TempDir(), "--log-level", "loud"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error for an unknown log level")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestDaemonLogLinesCarryOneComponent(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, ".storage", "state.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	var out lockedBuffer
	cfg := config.HostConfig{
		Host:         "127.0.0.1",
		Port:         1,
		Token:        "x",
		SourceFolder: dir,
	}
	d, err := newDaemon(cfg, store, supervisor.Options{
		ProbeInterval: 5 * time.Millisecond,
		MaxProbes:     1,
		Cooldown:      10 * time.Millisecond,
	}, zerolog.New(&out))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	if err := d.coordinator.Discover(context.Background(), dir, false); err != nil {
		t.Fatalf("discover: %v", err)
	}
	d.coordinator.Unload()

	done := make(chan error, 1)
	go func() {
		done <- d.sup.Run(context.Background(), supervisor.RunConfig{Target: cfg.Target(), SourceDir: dir})
	}()
	time.Sleep(50 * time.Millisecond)
	d.sup.Stop(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("supervisor run: %v", err)
	}

	seen := map[string]bool{}
	for _, line := range out.lines() {
		if n := strings.Count(line, `"component"`); n != 1 {
			t.Fatalf("expected one component field, got %d: %s", n, line)
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		seen[entry["component"].(string)] = true
	}
	if !seen["apps"] || !seen["supervisor"] {
		t.Fatalf("expected apps and supervisor log lines, saw %v", seen)
	}
}

type lateRunner struct {
	err     error
	stopped chan struct{}
	once    sync.Once
}

func (r *lateRunner) Run(ctx context.Context, _ supervisor.RunConfig) error {
	<-r.stopped
	time.Sleep(20 * time.Millisecond)
	return r.err
}

// Stop returns before Run has delivered its result.
func (r *lateRunner) Stop(time.Duration) {
	r.once.Do(func() { close(r.stopped) })
}

func TestSuperviseWaitsForRunResultAfterStop(t *testing.T) {
	fault := errors.New("late fault")
	r := &lateRunner{err: fault, stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := supervise(ctx, r, supervisor.RunConfig{Target: hub.Target{Host: "hub", Token: "x"}}, time.Second, zerolog.Nop())
	if !errors.Is(err, fault) {
		t.Fatalf("expected the run error delivered after stop, got %v", err)
	}
}

type stuckRunner struct {
	release chan struct{}
}

func (r *stuckRunner) Run(context.Context, supervisor.RunConfig) error {
	<-r.release
	return nil
}

func (r *stuckRunner) Stop(time.Duration) {}

func TestSuperviseGivesUpAfterStopTimeout(t *testing.T) {
	r := &stuckRunner{release: make(chan struct{})}
	defer close(r.release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := supervise(ctx, r, supervisor.RunConfig{}, 50*time.Millisecond, zerolog.Nop()); err != nil {
		t.Fatalf("expected nil after timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("supervise waited too long: %v", elapsed)
	}
}
