// Package config resolves the runtime configuration from three layers:
// compiled defaults, an optional YAML file, and environment overrides.
// Precedence is env > file > defaults. The rest of the runtime consumes the
// resolved Config value and never reads the environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AdminPolicyMode selects how dynamic tool registration is authorized.
type AdminPolicyMode string

const (
	// AdminDenyAll rejects every admin request.
	AdminDenyAll AdminPolicyMode = "deny_all"
	// AdminLocalStdioOnly accepts admin requests only over stdio.
	AdminLocalStdioOnly AdminPolicyMode = "local_stdio_only"
	// AdminToken is reserved; requests under it are declined as unsupported.
	AdminToken AdminPolicyMode = "token"
)

type (
	// Config is the resolved configuration tree.
	Config struct {
		Server    Server    `yaml:"server"`
		Tools     Tools     `yaml:"tools"`
		Resources Resources `yaml:"resources"`
		Agents    Agents    `yaml:"agents"`
		Logging   Logging   `yaml:"logging"`
		Security  Security  `yaml:"security"`
		AACP      AACP      `yaml:"aacp"`
	}

	// Server configures the advertised identity and connection behavior.
	Server struct {
		// Name and Version are advertised in the initialize response.
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		// ProtocolVersion is the MCP protocol revision advertised to clients.
		ProtocolVersion string `yaml:"protocolVersion"`
		// ShutdownTimeoutMs bounds the in-flight drain at close.
		ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs"`
		// MaxRequestsPerSecond throttles the dispatcher. Zero disables.
		MaxRequestsPerSecond float64 `yaml:"maxRequestsPerSecond"`
	}

	// Tools configures the invocation pipeline and admin registration.
	Tools struct {
		DefaultTimeoutMs         int         `yaml:"defaultTimeoutMs"`
		MaxPayloadBytes          int         `yaml:"maxPayloadBytes"`
		MaxStateBytes            int         `yaml:"maxStateBytes"`
		AdminRegistrationEnabled bool        `yaml:"adminRegistrationEnabled"`
		AdminPolicy              AdminPolicy `yaml:"adminPolicy"`
	}

	// AdminPolicy is the dynamic-registration authorization policy.
	AdminPolicy struct {
		Mode AdminPolicyMode `yaml:"mode"`
		// TokenEnvVar names the environment variable holding the admin token
		// under the token mode. The mode itself is not supported yet.
		TokenEnvVar string `yaml:"tokenEnvVar"`
	}

	// Resources bounds concurrent execution.
	Resources struct {
		MaxConcurrentExecutions int64 `yaml:"maxConcurrentExecutions"`
	}

	// Agents configures the coordinator.
	Agents struct {
		// MaxQueueDepth bounds each agent's message queue.
		MaxQueueDepth int `yaml:"maxQueueDepth"`
	}

	// Logging configures the diagnostic stream.
	Logging struct {
		Level string `yaml:"level"`
		// RedactKeys overrides the built-in deny-list when non-empty.
		RedactKeys []string `yaml:"redactKeys"`
	}

	// Security holds the process-wide switches.
	Security struct {
		// DynamicRegistrationEnabled must be true, together with
		// tools.adminRegistrationEnabled, for admin methods to be served.
		DynamicRegistrationEnabled bool `yaml:"dynamicRegistrationEnabled"`
	}

	// AACP configures the reliable-messaging layer.
	AACP struct {
		// DefaultTtlMs is applied to ledger records without an envelope TTL.
		DefaultTtlMs int `yaml:"defaultTtlMs"`
	}
)

// EnvPrefix is the prefix of every recognized environment override.
const EnvPrefix = "PARLEY_"

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Name:              "parley",
			Version:           "0.1.0",
			ProtocolVersion:   "2024-11-05",
			ShutdownTimeoutMs: 5000,
		},
		Tools: Tools{
			DefaultTimeoutMs: 30000,
			MaxPayloadBytes:  1 << 20,
			MaxStateBytes:    256 << 10,
			AdminPolicy:      AdminPolicy{Mode: AdminDenyAll},
		},
		Resources: Resources{MaxConcurrentExecutions: 10},
		Agents:    Agents{MaxQueueDepth: 1024},
		Logging:   Logging{Level: "info"},
		AACP:      AACP{DefaultTtlMs: 0},
	}
}

// Load resolves the configuration. path may be empty, in which case the file
// layer is skipped; a named file that does not exist is an error. Environment
// overrides are read through os.LookupEnv.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv folds recognized PARLEY_* variables over cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s%s: %w", EnvPrefix, name, perr)
			return
		}
		*dst = parsed
	}
	integer := func(name string, set func(int64)) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%s%s: %w", EnvPrefix, name, perr)
			return
		}
		set(parsed)
	}
	float := func(name string, dst *float64) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("%s%s: %w", EnvPrefix, name, perr)
			return
		}
		*dst = parsed
	}

	str("SERVER_NAME", &cfg.Server.Name)
	str("SERVER_VERSION", &cfg.Server.Version)
	str("SERVER_PROTOCOL_VERSION", &cfg.Server.ProtocolVersion)
	integer("SERVER_SHUTDOWN_TIMEOUT_MS", func(v int64) { cfg.Server.ShutdownTimeoutMs = int(v) })
	float("SERVER_MAX_REQUESTS_PER_SECOND", &cfg.Server.MaxRequestsPerSecond)

	integer("TOOLS_DEFAULT_TIMEOUT_MS", func(v int64) { cfg.Tools.DefaultTimeoutMs = int(v) })
	integer("TOOLS_MAX_PAYLOAD_BYTES", func(v int64) { cfg.Tools.MaxPayloadBytes = int(v) })
	integer("TOOLS_MAX_STATE_BYTES", func(v int64) { cfg.Tools.MaxStateBytes = int(v) })
	boolean("TOOLS_ADMIN_REGISTRATION_ENABLED", &cfg.Tools.AdminRegistrationEnabled)
	if v, ok := lookup(EnvPrefix + "TOOLS_ADMIN_POLICY_MODE"); ok {
		cfg.Tools.AdminPolicy.Mode = AdminPolicyMode(v)
	}
	str("TOOLS_ADMIN_POLICY_TOKEN_ENV_VAR", &cfg.Tools.AdminPolicy.TokenEnvVar)

	integer("RESOURCES_MAX_CONCURRENT_EXECUTIONS", func(v int64) { cfg.Resources.MaxConcurrentExecutions = v })
	integer("AGENTS_MAX_QUEUE_DEPTH", func(v int64) { cfg.Agents.MaxQueueDepth = int(v) })

	str("LOGGING_LEVEL", &cfg.Logging.Level)
	if v, ok := lookup(EnvPrefix + "LOGGING_REDACT_KEYS"); ok {
		keys := strings.Split(v, ",")
		out := keys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
		cfg.Logging.RedactKeys = out
	}

	boolean("SECURITY_DYNAMIC_REGISTRATION_ENABLED", &cfg.Security.DynamicRegistrationEnabled)
	integer("AACP_DEFAULT_TTL_MS", func(v int64) { cfg.AACP.DefaultTtlMs = int(v) })

	return err
}

// Validate rejects values the runtime cannot operate under. Invalid static
// configuration is the one failure the process refuses to start on.
func (c Config) Validate() error {
	switch c.Tools.AdminPolicy.Mode {
	case AdminDenyAll, AdminLocalStdioOnly, AdminToken:
	default:
		return fmt.Errorf("tools.adminPolicy.mode: unknown mode %q", c.Tools.AdminPolicy.Mode)
	}
	if c.Server.Name == "" {
		return fmt.Errorf("server.name: must not be empty")
	}
	if c.Server.ShutdownTimeoutMs < 0 {
		return fmt.Errorf("server.shutdownTimeoutMs: must be >= 0")
	}
	if c.Server.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("server.maxRequestsPerSecond: must be >= 0")
	}
	if c.Tools.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("tools.defaultTimeoutMs: must be > 0")
	}
	if c.Tools.MaxPayloadBytes <= 0 {
		return fmt.Errorf("tools.maxPayloadBytes: must be > 0")
	}
	if c.Tools.MaxStateBytes <= 0 {
		return fmt.Errorf("tools.maxStateBytes: must be > 0")
	}
	if c.Resources.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("resources.maxConcurrentExecutions: must be > 0")
	}
	if c.Agents.MaxQueueDepth <= 0 {
		return fmt.Errorf("agents.maxQueueDepth: must be > 0")
	}
	if c.AACP.DefaultTtlMs < 0 {
		return fmt.Errorf("aacp.defaultTtlMs: must be >= 0")
	}
	if _, err := parseLevelName(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// DefaultTimeout returns tools.defaultTimeoutMs as a duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Tools.DefaultTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns server.shutdownTimeoutMs as a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMs) * time.Millisecond
}

// DefaultTTL returns aacp.defaultTtlMs as a duration; zero means no TTL.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.AACP.DefaultTtlMs) * time.Millisecond
}

// parseLevelName mirrors the logger's level names without importing the
// telemetry package, which would invert the dependency direction.
func parseLevelName(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}
