// Package config resolves CLI settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
	"github.com/lex00/wetwire-vpn-go/internal/state"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "WETWIRE_VPN_"

// Providers accepted by the CLI.
const (
	ProviderEC2 = "ec2"
	ProviderSim = "sim"
)

// Config holds the CLI settings.
type Config struct {
	Region   string
	Provider string

	StateBackend  string
	StatePath     string
	ConsulAddress string
	ConsulPrefix  string

	SecretBackend string
	SecretDir     string
	VaultAddress  string
	VaultToken    string
	VaultMount    string

	LogLevel  string
	LogFormat string

	// MetricsFile is a node-exporter textfile written after each run.
	MetricsFile string

	AwaitAttempts int
	AwaitDelay    time.Duration
	AwaitMaxDelay time.Duration

	// ScriptDir, when set, receives the tunnel startup scripts instead of
	// the endpoint.
	ScriptDir string
}

// Default returns the built-in settings.
func Default() Config {
	await := orchestrator.DefaultAwaitPolicy()
	return Config{
		Provider:      ProviderEC2,
		StateBackend:  state.BackendSQLite,
		StatePath:     ".wetwire-vpn/state.db",
		ConsulPrefix:  "wetwire-vpn",
		SecretBackend: secrets.BackendFile,
		SecretDir:     ".wetwire-vpn/secrets",
		VaultMount:    "secret",
		LogLevel:      "info",
		LogFormat:     "text",
		AwaitAttempts: await.Attempts,
		AwaitDelay:    await.Delay,
		AwaitMaxDelay: await.MaxDelay,
	}
}

// Load reads envFile if it exists, then the WETWIRE_VPN_* environment on top
// of the defaults. Variables already set in the process win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
			}
		}
	}

	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("REGION", &c.Region)
	str("PROVIDER", &c.Provider)
	str("STATE_BACKEND", &c.StateBackend)
	str("STATE_PATH", &c.StatePath)
	str("CONSUL_ADDR", &c.ConsulAddress)
	str("CONSUL_PREFIX", &c.ConsulPrefix)
	str("SECRET_BACKEND", &c.SecretBackend)
	str("SECRET_DIR", &c.SecretDir)
	str("VAULT_ADDR", &c.VaultAddress)
	str("VAULT_TOKEN", &c.VaultToken)
	str("VAULT_MOUNT", &c.VaultMount)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("METRICS_FILE", &c.MetricsFile)
	str("SCRIPT_DIR", &c.ScriptDir)

	if v, ok := lookup("AWAIT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sAWAIT_ATTEMPTS: %w", EnvPrefix, err))
		}
		c.AwaitAttempts = n
	}
	for key, dst := range map[string]*time.Duration{"AWAIT_DELAY": &c.AwaitDelay, "AWAIT_MAX_DELAY": &c.AwaitMaxDelay} {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
			*dst = d
		}
	}

	if c.Region == "" {
		c.Region = os.Getenv("AWS_REGION")
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// BindFlags registers one flag per setting on fs, defaulting to c's current
// values, so flags override the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Region, "region", c.Region, "AWS region")
	fs.StringVar(&c.Provider, "provider", c.Provider, "Cloud provider: ec2 or sim")
	fs.StringVar(&c.StateBackend, "state-backend", c.StateBackend, "State backend: sqlite, consul or memory")
	fs.StringVar(&c.StatePath, "state-path", c.StatePath, "SQLite state database file")
	fs.StringVar(&c.ConsulAddress, "consul-addr", c.ConsulAddress, "Consul agent address")
	fs.StringVar(&c.SecretBackend, "secret-backend", c.SecretBackend, "Secret backend: file, vault or memory")
	fs.StringVar(&c.SecretDir, "secret-dir", c.SecretDir, "Directory of the file secret backend")
	fs.StringVar(&c.VaultAddress, "vault-addr", c.VaultAddress, "Vault address")
	fs.StringVar(&c.VaultMount, "vault-mount", c.VaultMount, "Vault KV v2 mount")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write stage metrics to this textfile")
	fs.IntVar(&c.AwaitAttempts, "await-attempts", c.AwaitAttempts, "Polls before an allocation times out")
	fs.DurationVar(&c.AwaitDelay, "await-delay", c.AwaitDelay, "Initial delay between polls")
	fs.DurationVar(&c.AwaitMaxDelay, "await-max-delay", c.AwaitMaxDelay, "Maximum delay between polls")
	fs.StringVar(&c.ScriptDir, "script-dir", c.ScriptDir, "Write tunnel startup scripts here instead of to the endpoint")
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	var errs []error
	if c.Provider != ProviderEC2 && c.Provider != ProviderSim {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Provider == ProviderEC2 && c.Region == "" {
		errs = append(errs, errors.New("region is required for the ec2 provider"))
	}
	switch c.StateBackend {
	case state.BackendSQLite, state.BackendConsul, state.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.StateBackend))
	}
	switch c.SecretBackend {
	case secrets.BackendFile, secrets.BackendVault, secrets.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown secret backend %q", c.SecretBackend))
	}
	if c.AwaitAttempts < 1 {
		errs = append(errs, fmt.Errorf("await attempts must be positive, got %d", c.AwaitAttempts))
	}
	if c.AwaitDelay <= 0 || c.AwaitMaxDelay < c.AwaitDelay {
		errs = append(errs, fmt.Errorf("await delays %s..%s are not a valid range", c.AwaitDelay, c.AwaitMaxDelay))
	}
	return errors.Join(errs...)
}

// StateOptions returns the state store settings for a topology.
func (c Config) StateOptions(namespace string) state.Options {
	return state.Options{
		Backend:       c.StateBackend,
		Namespace:     namespace,
		Path:          c.StatePath,
		ConsulAddress: c.ConsulAddress,
		ConsulPrefix:  c.ConsulPrefix,
	}
}

// SecretOptions returns the secret store settings.
func (c Config) SecretOptions() secrets.Options {
	return secrets.Options{
		Backend:      c.SecretBackend,
		Dir:          c.SecretDir,
		VaultAddress: c.VaultAddress,
		VaultToken:   c.VaultToken,
		VaultMount:   c.VaultMount,
	}
}

// AwaitPolicy returns the polling budget for allocations.
func (c Config) AwaitPolicy() orchestrator.AwaitPolicy {
	p := orchestrator.DefaultAwaitPolicy()
	p.Attempts = c.AwaitAttempts
	p.Delay = c.AwaitDelay
	p.MaxDelay = c.AwaitMaxDelay
	return p
}
