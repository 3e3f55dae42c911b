// Package config loads, validates, and watches the scraper configuration
// file (YAML, path from $SCRAPECONFIG).
//
// Top-level types:
//   - Config{Global, SSH, Script, ReloadInterval} — full config tree
//     parsed from YAML
//   - GlobalConfig — ttl, prefix, histograms (named bucket sets), format
//     (the ordered column schema)
//   - FormatEntry — one {column_name: type_expr} schema entry, or YAML
//     null for a skipped column; custom UnmarshalYAML accepts both shapes
//   - SSHConfig — ssh-level defaults (file, user, password_env, pkey,
//     pkey_passphrase_env, connect_timeout) plus the named environments
//     map
//   - Environment — one named group of hosts, overriding any SSH-level
//     default field
//   - Resolved — the fully layered per-environment connection config;
//     Password/PKeyPassphrase are already resolved via os.Getenv from
//     PasswordEnv/PKeyPassphraseEnv, never stored as literal YAML values
//
// Load(path) reads the file, unmarshals it, and runs validate(), which
// returns the *ConfigError cases named in spec.md §7: a reserved metric
// or label name reused in the schema, an unknown column kind, an unknown
// histogram reference, a histogram suffix on a non-numeric or label
// column, and an environment with no hosts.
//
// Watch(ctx, path, onChange) uses fsnotify to detect writes to the whole
// config file, debouncing a burst of events (common with atomic-save
// editors) behind a short timer before calling Load. A reload that fails
// validation is logged and skipped — onChange is only called with a
// config that already passed Load's own validation.
package config
