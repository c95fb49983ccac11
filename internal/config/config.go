// Package config handles Sideboard configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix used for environment-variable config overrides.
const EnvPrefix = "SIDEBOARD"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sideboard/config.yaml,
// /config/config.yaml, /etc/sideboard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sideboard", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/sideboard/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can override the search order
// without touching the developer's real home directory config.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all Sideboard configuration.
type Config struct {
	Listen    ListenConfig        `yaml:"listen"`
	WS        WSConfig            `yaml:"ws"`
	Audit     AuditConfig         `yaml:"audit"`
	MQTT      MQTTConfig          `yaml:"mqtt"`
	GitHub    GitHubPluginConfig  `yaml:"github"`
	Mail      MailPluginConfig    `yaml:"mailwatch"`
	Upstreams []UpstreamConfig    `yaml:"rpc_services"`
	DataDir   string              `yaml:"data_dir"`
	LogLevel  string              `yaml:"log_level"`

	// Debug enables stack traces in JSON-RPC and WebSocket error frames.
	Debug bool `yaml:"debug"`
	// PluginsDir is the filesystem root plugin discovery walks at startup.
	PluginsDir string `yaml:"plugins_dir"`
	// ClientCert/ClientKey/CACert are the default mTLS material used for
	// upstream connections whose rpc_services entry does not override them.
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CACert     string `yaml:"ca_cert"`
}

// ListenConfig defines the HTTP/WebSocket server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WSConfig defines behaviors of the local /ws session endpoint.
type WSConfig struct {
	// AuthRequired, if true, requires the session password at /ws
	// upgrade time; a request without a valid password is refused
	// before any session is created.
	AuthRequired bool   `yaml:"auth_required"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash, set via -config or env override
	// ThreadPool sizes the responder pool's worker count.
	ThreadPool int `yaml:"thread_pool"`
	// CallTimeoutSec bounds outbound upstream RPC calls.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// ReconnectIntervalSec caps the exponential reconnect backoff.
	ReconnectIntervalSec int `yaml:"reconnect_interval_sec"`
}

// AuditConfig defines the RPC audit-log store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig defines the optional channel-bus-to-MQTT bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // base topic; channel name is appended
}

// GitHubPluginConfig configures the example issue-watcher plugin service.
type GitHubPluginConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Token        string `yaml:"token"`
	Owner        string `yaml:"owner"`
	Repo         string `yaml:"repo"`
	PollInterval int    `yaml:"poll_interval_sec"`
}

// MailPluginConfig configures the example unread-count watcher plugin service.
type MailPluginConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Mailbox      string `yaml:"mailbox"`
	PollInterval int    `yaml:"poll_interval_sec"`
}

// UpstreamConfig describes a remote Sideboard instance to connect to as
// a client, registered under Name as a local service proxy.
type UpstreamConfig struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	ClientCert   string `yaml:"client_cert"`
	ClientKey    string `yaml:"client_key"`
	CACert       string `yaml:"ca_cert"`
	JSONRPCOnly  bool   `yaml:"jsonrpc_only"`
	DefaultURL   bool   `yaml:"default_url"`
	URLPriority  int    `yaml:"default_url_priority"`
}

// Configured reports whether MQTT bridging has enough settings to dial.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Broker != ""
}

// Load reads configuration from a YAML file, applies environment-variable
// overrides, fills in defaults, and validates the result. After Load
// returns successfully, all fields are usable without additional
// nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides walks every SIDEBOARD_<section>_<key> environment
// variable and, if it names a scalar field of cfg, overwrites that field
// with the variable's value parsed as a YAML scalar. Section and key
// names are matched case-insensitively against yaml tags with dots
// (there are none at this nesting depth) mapped to underscores, per the
// convention carried over from the original Python implementation's
// per-plugin config override scheme.
func applyEnvOverrides(cfg *Config) error {
	prefix := EnvPrefix + "_"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(name, prefix))
		if err := setByPath(cfg, strings.Split(path, "_"), value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// setByPath walks path (a field-name chain, lowercased, yaml-tag form)
// into v via reflection-free, explicit per-section dispatch, applying
// value to the matched scalar field. Unknown paths are ignored rather
// than rejected, since SIDEBOARD_ may be shared with unrelated env vars.
func setByPath(cfg *Config, path []string, value string) error {
	section, key := strings.Join(path, "_"), ""
	switch section {
	case "data_dir", "log_level", "debug", "plugins_dir", "client_cert", "client_key", "ca_cert":
		// Top-level keys have no section; they match on the whole name.
	default:
		if len(path) < 2 {
			return nil
		}
		section, key = path[0], strings.Join(path[1:], "_")
	}
	switch section {
	case "listen":
		switch key {
		case "address":
			cfg.Listen.Address = value
		case "port":
			return setInt(&cfg.Listen.Port, value)
		}
	case "ws":
		switch key {
		case "auth_required":
			return setBool(&cfg.WS.AuthRequired, value)
		case "password_hash":
			cfg.WS.PasswordHash = value
		case "thread_pool":
			return setInt(&cfg.WS.ThreadPool, value)
		case "call_timeout_sec":
			return setInt(&cfg.WS.CallTimeoutSec, value)
		case "reconnect_interval_sec":
			return setInt(&cfg.WS.ReconnectIntervalSec, value)
		}
	case "audit":
		switch key {
		case "enabled":
			return setBool(&cfg.Audit.Enabled, value)
		case "path":
			cfg.Audit.Path = value
		}
	case "mqtt":
		switch key {
		case "enabled":
			return setBool(&cfg.MQTT.Enabled, value)
		case "broker":
			cfg.MQTT.Broker = value
		case "client_id":
			cfg.MQTT.ClientID = value
		case "topic":
			cfg.MQTT.Topic = value
		}
	case "data_dir":
		cfg.DataDir = value
	case "log_level":
		cfg.LogLevel = value
	case "debug":
		return setBool(&cfg.Debug, value)
	case "plugins_dir":
		cfg.PluginsDir = value
	case "client_cert":
		cfg.ClientCert = value
	case "client_key":
		cfg.ClientKey = value
	case "ca_cert":
		cfg.CACert = value
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	var v yaml.Node
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return err
	}
	var b bool
	if err := v.Decode(&b); err != nil {
		return fmt.Errorf("not a boolean: %q", value)
	}
	*dst = b
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.WS.ThreadPool == 0 {
		c.WS.ThreadPool = 4
	}
	if c.WS.CallTimeoutSec == 0 {
		c.WS.CallTimeoutSec = 20
	}
	if c.WS.ReconnectIntervalSec == 0 {
		c.WS.ReconnectIntervalSec = 30
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "sideboard"
	}
	if c.GitHub.PollInterval == 0 {
		c.GitHub.PollInterval = 60
	}
	if c.Mail.PollInterval == 0 {
		c.Mail.PollInterval = 60
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for _, u := range c.Upstreams {
		if u.Name == "" || u.URL == "" {
			return fmt.Errorf("rpc_services entry missing name or url: %+v", u)
		}
	}
	return nil
}

// DefaultUpstream returns the upstream configured with the highest
// default_url_priority among those with default_url: true, or nil if
// none is marked.
func (c *Config) DefaultUpstream() *UpstreamConfig {
	var best *UpstreamConfig
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if !u.DefaultURL {
			continue
		}
		if best == nil || u.URLPriority > best.URLPriority {
			best = u
		}
	}
	return best
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
