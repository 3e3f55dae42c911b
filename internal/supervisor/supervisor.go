package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/sshmetrics/internal/config"
	"github.com/obsidianstack/sshmetrics/pkg/target"
)

// Runner is anything the supervisor can start and cancel: a sshtail.Worker
// in production, a fake in tests.
type Runner interface {
	Run(ctx context.Context)
}

// WorkerFactory builds the Runner for one target. It is called once per
// target each time that target enters the desired set.
type WorkerFactory func(t target.Target) Runner

// Supervisor maintains live_workers: target_id → worker, reconciled
// against the static ssh.environments inventory plus, if cfg.Script is
// set, the periodic output of that external process.
type Supervisor struct {
	factory WorkerFactory

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu   sync.Mutex
	live map[string]*liveWorker

	runScript func(script string) ([]byte, error) // injectable for tests
}

type liveWorker struct {
	target target.Target
	cancel context.CancelFunc
}

// scriptInventory is the YAML shape an inventory script must print on
// stdout: the same environments mapping used under ssh.environments.
type scriptInventory struct {
	Environments map[string]config.Environment `yaml:"environments"`
}

// New builds a Supervisor from cfg, using factory to construct a worker
// for each target that enters the desired set.
func New(cfg *config.Config, factory WorkerFactory) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		factory:   factory,
		live:      make(map[string]*liveWorker),
		runScript: runScriptCommand,
	}
}

// SetConfig swaps the config a future reconcile will read. It does not
// itself trigger a reconcile — callers (e.g. a config file watcher)
// should call Reconcile afterward to apply the change immediately.
// The reload_interval ticker cadence, if any, is fixed at Run start and
// is not affected by a later SetConfig.
func (s *Supervisor) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Supervisor) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Config returns the config the next reconcile will use. A WorkerFactory
// should call this at worker-construction time rather than closing over
// the config passed to New, so a target started after a hot reload picks
// up the reloaded schema/histogram buckets instead of the startup-time
// ones.
func (s *Supervisor) Config() *config.Config {
	return s.config()
}

// Reconcile forces an immediate reconciliation against the current
// config. Safe to call concurrently with Run's own ticker-driven passes.
func (s *Supervisor) Reconcile(ctx context.Context) {
	s.reconcile(ctx)
}

// Run performs an initial reconciliation, then re-invokes the inventory
// script (if configured) every reload_interval, reconciling each time.
// If no script is configured, or a script is configured with no
// reload_interval, Run performs exactly one reconciliation and then
// blocks until ctx is cancelled — the inventory script's single pass is
// treated as authoritative for the process lifetime (see DESIGN.md).
// A config file change delivered via SetConfig+Reconcile still applies
// even in that otherwise-idle state.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconcile(ctx)

	interval, ok := s.config().ReloadEvery()
	if s.config().Script == "" || !ok {
		<-ctx.Done()
		s.cancelAll()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile computes the current desired target set and starts/cancels
// workers so live matches it. A failed inventory script leaves the
// previous desired set (and therefore the live workers) untouched.
func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.desiredTargets()
	if err != nil {
		slog.Error("supervisor: inventory refresh failed, keeping previous targets", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range desired {
		if _, ok := s.live[id]; ok {
			continue
		}
		s.start(ctx, t)
	}

	for id, lw := range s.live {
		if _, ok := desired[id]; ok {
			continue
		}
		lw.cancel()
		delete(s.live, id)
		slog.Info("supervisor: target left desired set, cancelled worker", "target", id)
	}
}

func (s *Supervisor) start(ctx context.Context, t target.Target) {
	workerCtx, cancel := context.WithCancel(ctx)
	runner := s.factory(t)
	s.live[t.ID()] = &liveWorker{target: t, cancel: cancel}
	go runner.Run(workerCtx)
	slog.Info("supervisor: started worker", "target", t.ID())
}

func (s *Supervisor) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lw := range s.live {
		lw.cancel()
		delete(s.live, id)
	}
}

// LiveTargetIDs returns the target_id of every currently live worker.
func (s *Supervisor) LiveTargetIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) desiredTargets() (map[string]target.Target, error) {
	cfg := s.config()
	desired := make(map[string]target.Target)
	addEnvironments(desired, cfg.SSH, cfg.SSH.Environments)

	if cfg.Script == "" {
		return desired, nil
	}

	out, err := s.runScript(cfg.Script)
	if err != nil {
		return nil, err
	}

	var inv scriptInventory
	if err := yaml.Unmarshal(out, &inv); err != nil {
		return nil, err
	}
	addEnvironments(desired, cfg.SSH, inv.Environments)
	return desired, nil
}

func addEnvironments(dst map[string]target.Target, ssh config.SSHConfig, envs map[string]config.Environment) {
	for envName, env := range envs {
		resolved := ssh.Resolve(env)
		for _, host := range env.Hosts {
			t := target.Target{
				Environment:    envName,
				Host:           host,
				File:           resolved.File,
				User:           resolved.User,
				Password:       resolved.Password,
				PKey:           resolved.PKey,
				PKeyPassphrase: resolved.PKeyPassphrase,
				ConnectTimeout: resolved.ConnectTimeout,
			}
			dst[t.ID()] = t
		}
	}
}

func runScriptCommand(script string) ([]byte, error) {
	return exec.Command("sh", "-c", script).Output()
}
