// Package supervisor reconciles a desired set of targets against a live
// set of per-target workers, starting new workers and cancelling ones
// that fall out of the desired set.
//
// Top-level types:
//   - Supervisor{factory, cfg, live, runScript} — owns the live
//     target_id → worker map and the config a reconcile reads from
//   - Runner — anything a WorkerFactory can start and cancel
//     (sshtail.Worker in production, a fake in tests)
//   - WorkerFactory — builds the Runner for one target.Target, called
//     once per target each time it enters the desired set
//
// The desired set is the union of the static ssh.environments inventory
// and, if cfg.Script is set, the latest YAML output of that external
// inventory script (decoded into the same config.Environment shape the
// static config uses). Run() reconciles once at startup, then — if a
// script and a reload_interval are both configured — re-invokes the
// script and reconciles again on every tick; otherwise it blocks on
// ctx.Done() after the initial pass.
//
// SetConfig followed by Reconcile applies a change immediately outside
// that ticker cadence — the path a config file hot reload (see
// config.Watch) drives after a valid edit to $SCRAPECONFIG. Config()
// exposes the same live config so a WorkerFactory can build each
// worker's parser from the schema in effect at start time rather than
// the one captured when the supervisor was constructed.
package supervisor
