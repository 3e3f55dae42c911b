package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/sshmetrics/internal/columns"
)

// ConfigError reports a fatal startup-time configuration problem:
// malformed YAML, an unknown column kind, a reserved-name collision, an
// unknown histogram reference, or a multi-key schema entry.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultConnectTimeoutSeconds = 30
	DefaultTTLSeconds            = 300
)

// Config is the top-level $SCRAPECONFIG document.
type Config struct {
	Global         GlobalConfig `yaml:"global"`
	SSH            SSHConfig    `yaml:"ssh"`
	Script         string       `yaml:"script"`
	ReloadInterval int          `yaml:"reload_interval"` // seconds; 0 means "run the script once"
}

// ReloadEvery returns the configured reload interval as a Duration, and
// whether one was actually configured (false means: invoke script once).
func (c *Config) ReloadEvery() (time.Duration, bool) {
	if c.ReloadInterval <= 0 {
		return 0, false
	}
	return time.Duration(c.ReloadInterval) * time.Second, true
}

// GlobalConfig holds the metric namespace, histogram bucket sets, and
// the ordered column schema shared by every target.
type GlobalConfig struct {
	TTL        int                  `yaml:"ttl"` // seconds; 0 -> DefaultTTLSeconds
	Prefix     string               `yaml:"prefix"`
	Histograms map[string][]float64 `yaml:"histograms"`
	Format     []FormatEntry        `yaml:"format"`
}

// TTLDuration returns the configured TTL, defaulted if unset.
func (g GlobalConfig) TTLDuration() time.Duration {
	if g.TTL <= 0 {
		return DefaultTTLSeconds * time.Second
	}
	return time.Duration(g.TTL) * time.Second
}

// UnmarshalYAML decodes global as usual, then decodes format item by
// item: yaml.v3 drops null sequence items without calling
// FormatEntry.UnmarshalYAML, and a null entry must keep its column slot.
func (g *GlobalConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain GlobalConfig
	if err := value.Decode((*plain)(g)); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "format" {
			items := value.Content[i+1].Content
			g.Format = make([]FormatEntry, len(items))
			for j, item := range items {
				if err := g.Format[j].UnmarshalYAML(item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// FormatEntry is one entry in global.format: either a single-key
// {column_name: type_expr} map, or YAML null (a schema hole, skipped).
type FormatEntry struct {
	Null bool
	Name string
	Expr string
}

// UnmarshalYAML accepts either `null` or a mapping with exactly one key.
func (f *FormatEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!null" || value.Kind == 0 {
		f.Null = true
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("format entry must be a single-key mapping or null")
	}
	if len(value.Content) != 2 {
		return fmt.Errorf("format entry must have exactly one key, got %d", len(value.Content)/2)
	}
	f.Name = value.Content[0].Value
	f.Expr = value.Content[1].Value
	return nil
}

// SSHConfig holds the SSH-level defaults and the per-environment
// inventory. Per-environment fields override these defaults.
//
// Password and an encrypted private key's passphrase are never stored
// as literal YAML values — PasswordEnv/PKeyPassphraseEnv instead name
// an environment variable to resolve the secret from at load time,
// mirroring the teacher's AuthConfig *_env convention (KeyEnv,
// TokenEnv, PasswordEnv).
type SSHConfig struct {
	File              string                 `yaml:"file"`
	User              string                 `yaml:"user"`
	PasswordEnv       string                 `yaml:"password_env"`
	PKey              string                 `yaml:"pkey"`
	PKeyPassphraseEnv string                 `yaml:"pkey_passphrase_env"`
	ConnectTimeout    int                    `yaml:"connect_timeout"` // seconds
	Environments      map[string]Environment `yaml:"environments"`
}

// Environment is one named group of hosts sharing configuration.
type Environment struct {
	Hosts []string `yaml:"hosts"`

	File              string `yaml:"file"`
	User              string `yaml:"user"`
	PasswordEnv       string `yaml:"password_env"`
	PKey              string `yaml:"pkey"`
	PKeyPassphraseEnv string `yaml:"pkey_passphrase_env"`
	ConnectTimeout    int    `yaml:"connect_timeout"`
}

// Resolved is the fully layered connection configuration for one
// environment: per-environment overrides applied over ssh-level
// defaults, with unset fields left empty. Password and PKeyPassphrase
// are already resolved from the environment variables named by
// PasswordEnv/PKeyPassphraseEnv.
type Resolved struct {
	File           string
	User           string
	Password       string
	PKey           string
	PKeyPassphrase string
	ConnectTimeout time.Duration
}

// Resolve layers env over ssh-level defaults, per spec.md §4.4's field
// resolution rule: environment overrides the SSH default; if both are
// absent, the field is unset.
func (s SSHConfig) Resolve(env Environment) Resolved {
	r := Resolved{
		File:           firstNonEmpty(env.File, s.File),
		User:           firstNonEmpty(env.User, s.User),
		PKey:           firstNonEmpty(env.PKey, s.PKey),
		Password:       os.Getenv(firstNonEmpty(env.PasswordEnv, s.PasswordEnv)),
		PKeyPassphrase: os.Getenv(firstNonEmpty(env.PKeyPassphraseEnv, s.PKeyPassphraseEnv)),
	}
	timeout := env.ConnectTimeout
	if timeout <= 0 {
		timeout = s.ConnectTimeout
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeoutSeconds
	}
	r.ConnectTimeout = time.Duration(timeout) * time.Second
	return r
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Load reads and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "read file", Err: err}
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Reason: "parse yaml", Err: err}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces the ConfigError cases named in spec.md §7: unknown
// kinds, reserved-name misuse, unknown histogram references, a missing
// column name, and environments with no hosts. Multi-key schema entries
// are rejected earlier, during unmarshal.
func validate(cfg *Config) error {
	for i, entry := range cfg.Global.Format {
		if entry.Null {
			continue
		}
		if entry.Name == "" {
			return &ConfigError{Reason: fmt.Sprintf("format[%d]: missing column name", i)}
		}
		if columns.IsReservedMetricName(entry.Name) {
			return &ConfigError{Reason: fmt.Sprintf("format[%d] %q: reserved metric name cannot be redeclared", i, entry.Name)}
		}

		kindName, histName, err := splitTypeExpr(entry.Expr)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("format[%d] %q", i, entry.Name), Err: err}
		}
		kind, err := columns.ParseKind(kindName)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("format[%d] %q", i, entry.Name), Err: err}
		}

		if kind == columns.Label && entry.Name == columns.ReservedLabelEnvironment {
			return &ConfigError{Reason: fmt.Sprintf("format[%d]: %q is a reserved label name", i, columns.ReservedLabelEnvironment)}
		}
		if histName != "" && kind != columns.Number && kind != columns.CLFNumber {
			return &ConfigError{Reason: fmt.Sprintf("format[%d] %q: histogram suffix only valid on number/clf_number columns", i, entry.Name)}
		}
		if kind == columns.Label && histName != "" {
			return &ConfigError{Reason: fmt.Sprintf("format[%d] %q: label columns cannot declare a histogram", i, entry.Name)}
		}
		if histName != "" {
			if _, ok := cfg.Global.Histograms[histName]; !ok {
				return &ConfigError{Reason: fmt.Sprintf("format[%d] %q: unknown histogram reference %q", i, entry.Name, histName)}
			}
		}
	}

	for name, env := range cfg.SSH.Environments {
		if len(env.Hosts) == 0 {
			return &ConfigError{Reason: fmt.Sprintf("ssh.environments[%s]: at least one host is required", name)}
		}
	}

	return nil
}

// splitTypeExpr parses "kind" or "kind+histogram_name".
func splitTypeExpr(expr string) (kind, histogram string, err error) {
	for i := 0; i < len(expr); i++ {
		if expr[i] == '+' {
			return expr[:i], expr[i+1:], nil
		}
	}
	return expr, "", nil
}

// Readers builds the ordered columns.Reader list from the validated
// global format. Call only after Load has validated cfg.
func (c *Config) Readers() []columns.Reader {
	readers := make([]columns.Reader, 0, len(c.Global.Format))
	for _, entry := range c.Global.Format {
		if entry.Null {
			readers = append(readers, columns.Reader{Kind: columns.Null})
			continue
		}
		kindName, histName, _ := splitTypeExpr(entry.Expr)
		kind, _ := columns.ParseKind(kindName)
		readers = append(readers, columns.Reader{Kind: kind, Name: entry.Name, Histogram: histName})
	}
	return readers
}
