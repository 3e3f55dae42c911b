package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/sshmetrics/internal/config"
	"github.com/obsidianstack/sshmetrics/pkg/target"
)

// fakeRunner counts how many times Run is called (per-target identity
// comes from the factory closure) and blocks until ctx is cancelled.
type fakeRunner struct {
	starts *int32
}

func (r *fakeRunner) Run(ctx context.Context) {
	atomic.AddInt32(r.starts, 1)
	<-ctx.Done()
}

func countingFactory() (WorkerFactory, *startCounts) {
	counts := &startCounts{counts: make(map[string]int32)}
	factory := func(t target.Target) Runner {
		counts.mu.Lock()
		counts.counts[t.ID()]++
		counts.mu.Unlock()
		starts := int32(0)
		return &fakeRunner{starts: &starts}
	}
	return factory, counts
}

type startCounts struct {
	mu     sync.Mutex
	counts map[string]int32
}

func (c *startCounts) get(id string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func baseConfig() *config.Config {
	return &config.Config{
		SSH: config.SSHConfig{
			Environments: map[string]config.Environment{
				"prod": {Hosts: []string{"h1", "h2"}, File: "/var/log/app.log"},
			},
		},
	}
}

func TestSupervisorStartsWorkersForStaticInventory(t *testing.T) {
	cfg := baseConfig()
	factory, counts := countingFactory()
	s := New(cfg, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.LiveTargetIDs()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ids := s.LiveTargetIDs()
	if len(ids) != 2 {
		t.Fatalf("live targets = %v, want 2 entries", ids)
	}
	if counts.get("ssh://h1/var/log/app.log") != 1 {
		t.Errorf("h1 should have started exactly once")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

// S4: a reloader drop of h2 cancels exactly h2's worker and leaves h1 running.
func TestSupervisorReconcileDropsTargetNoLongerDesired(t *testing.T) {
	cfg := &config.Config{
		Script:         "inventory",
		ReloadInterval: 1, // seconds; present so the reload ticker actually fires
	}

	factory, _ := countingFactory()
	s := New(cfg, factory)

	first := true
	s.runScript = func(script string) ([]byte, error) {
		if first {
			first = false
			return []byte(`
environments:
  prod:
    hosts: ["h1", "h2"]
    file: /var/log/app.log
`), nil
		}
		return []byte(`
environments:
  prod:
    hosts: ["h1"]
    file: /var/log/app.log
`), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.LiveTargetIDs()) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	ids := s.LiveTargetIDs()
	if len(ids) != 1 || ids[0] != "ssh://h1/var/log/app.log" {
		t.Fatalf("live targets = %v, want only h1", ids)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

// Property 6: reconciling against an unchanged desired set restarts no worker.
func TestReconcileIdempotence(t *testing.T) {
	cfg := baseConfig()
	var starts int32
	factory := func(t target.Target) Runner {
		atomic.AddInt32(&starts, 1)
		return &fakeRunner{starts: new(int32)}
	}
	s := New(cfg, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.reconcile(ctx)
	s.reconcile(ctx)
	s.reconcile(ctx)

	if got := atomic.LoadInt32(&starts); got != 2 {
		t.Fatalf("factory invoked %d times across repeated reconciles, want 2 (one per host)", got)
	}

	cancel()
}

func TestSetConfigThenReconcileAppliesImmediately(t *testing.T) {
	cfg := &config.Config{
		SSH: config.SSHConfig{Environments: map[string]config.Environment{
			"prod": {Hosts: []string{"h1"}, File: "/var/log/app.log"},
		}},
	}
	factory, _ := countingFactory()
	s := New(cfg, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Reconcile(ctx)
	if ids := s.LiveTargetIDs(); len(ids) != 1 {
		t.Fatalf("live = %v, want 1 target before reload", ids)
	}

	updated := &config.Config{
		SSH: config.SSHConfig{Environments: map[string]config.Environment{
			"prod": {Hosts: []string{"h1", "h2"}, File: "/var/log/app.log"},
		}},
	}
	s.SetConfig(updated)
	s.Reconcile(ctx)

	ids := s.LiveTargetIDs()
	if len(ids) != 2 {
		t.Fatalf("live = %v, want 2 targets after SetConfig+Reconcile", ids)
	}
}

func TestAddEnvironmentsBuildsTargetID(t *testing.T) {
	dst := make(map[string]target.Target)
	ssh := config.SSHConfig{User: "metrics", ConnectTimeout: 5}
	envs := map[string]config.Environment{
		"prod": {Hosts: []string{"a.example.com"}, File: "/var/log/app.log"},
	}
	addEnvironments(dst, ssh, envs)

	id := target.Target{Host: "a.example.com", File: "/var/log/app.log"}.ID()
	tg, ok := dst[id]
	if !ok {
		t.Fatalf("missing target %q in %v", id, dst)
	}
	if tg.User != "metrics" {
		t.Errorf("user = %q, want metrics", tg.User)
	}
}

func TestTargetIDSeparatesHostAndFileEvenWithoutLeadingSlash(t *testing.T) {
	tg := target.Target{Host: "h1", File: "var/log/app.log"}
	if got, want := tg.ID(), "ssh://h1/var/log/app.log"; got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}
}
