package yuri

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete engine configuration.
type Config struct {
	// DataDir holds the authority files and the default database.
	DataDir string `mapstructure:"data_dir"`

	// Proxy listener configuration
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Query API and event stream listener
	API APIConfig `mapstructure:"api"`

	// TLS interception settings
	TLS TLSConfig `mapstructure:"tls"`

	// Exchange and rule persistence
	Store StoreConfig `mapstructure:"store"`

	// Rewrite rule settings
	Rules RulesConfig `mapstructure:"rules"`

	// Live event settings
	Events EventsConfig `mapstructure:"events"`

	// Body buffering settings
	Body BodyConfig `mapstructure:"body"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains proxy listener settings.
type ProxyConfig struct {
	// Host to bind (default loopback only)
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Autostart starts the proxy at boot instead of waiting for the API
	Autostart bool `mapstructure:"autostart"`

	// IdleTimeout for intercepted keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Passthrough hosts are tunneled without interception ("*.example.com" allowed)
	Passthrough []string `mapstructure:"passthrough"`
}

// APIConfig contains the query API settings.
type APIConfig struct {
	// Addr to listen on (e.g., "127.0.0.1:3000"); empty disables the API
	Addr string `mapstructure:"addr"`
}

// TLSConfig contains TLS interception settings.
type TLSConfig struct {
	// CertCacheSize bounds the leaf certificate cache
	CertCacheSize int `mapstructure:"cert_cache_size"`

	// InsecureUpstream skips verification of origin certificates
	InsecureUpstream bool `mapstructure:"insecure_upstream"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	// DSN of the SQLite database; empty means <data_dir>/yuri.db
	DSN string `mapstructure:"dsn"`

	// WriteTimeout bounds each best-effort exchange write
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RulesConfig contains rewrite rule settings.
type RulesConfig struct {
	// ReloadInterval re-reads rules from the store (0 = no auto-reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// Static rules apply before the stored ones
	Static []RuleConfig `mapstructure:"static"`
}

// RuleConfig is a rewrite rule in the config file.
type RuleConfig struct {
	Name         string `mapstructure:"name"`
	Enabled      *bool  `mapstructure:"enabled"`
	Type         string `mapstructure:"type"`
	MatchPattern string `mapstructure:"match"`
	ReplaceWith  string `mapstructure:"replace"`
	Location     string `mapstructure:"location"`
	Action       string `mapstructure:"action"`
}

// EventsConfig contains live event settings.
type EventsConfig struct {
	// Buffer is the per-subscriber queue length
	Buffer int `mapstructure:"buffer"`
}

// BodyConfig contains body buffering settings.
type BodyConfig struct {
	// MaxSize caps buffered bodies in bytes (0 = unlimited)
	MaxSize int64 `mapstructure:"max_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// MaxSizeMB, MaxBackups and MaxAgeDays rotate file output
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`

	// AccessLog writes one line per completed exchange
	AccessLog bool `mapstructure:"access_log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		Proxy: ProxyConfig{
			Host:        "127.0.0.1",
			Port:        9090,
			IdleTimeout: DefaultIdleTimeout,
		},
		API: APIConfig{
			Addr: "127.0.0.1:3000",
		},
		TLS: TLSConfig{
			CertCacheSize: DefaultCertCacheSize,
		},
		Store: StoreConfig{
			WriteTimeout: DefaultStoreTimeout,
		},
		Events: EventsConfig{
			Buffer: DefaultEventBuffer,
		},
		Body: BodyConfig{
			MaxSize: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "yuri")
	}
	return ".yuri"
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./yuri.yaml
// 3. $HOME/.yuri/yuri.yaml
// 4. /etc/yuri/yuri.yaml
//
// Environment variables use the YURI_ prefix with dots replaced by
// underscores (YURI_PROXY_PORT=8888).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("yuri")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.yuri")
	v.AddConfigPath("/etc/yuri")

	v.SetEnvPrefix("YURI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads configuration from raw bytes.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("proxy.host", d.Proxy.Host)
	v.SetDefault("proxy.port", d.Proxy.Port)
	v.SetDefault("proxy.autostart", d.Proxy.Autostart)
	v.SetDefault("proxy.idle_timeout", d.Proxy.IdleTimeout)
	v.SetDefault("proxy.passthrough", d.Proxy.Passthrough)

	v.SetDefault("api.addr", d.API.Addr)

	v.SetDefault("tls.cert_cache_size", d.TLS.CertCacheSize)
	v.SetDefault("tls.insecure_upstream", d.TLS.InsecureUpstream)

	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.write_timeout", d.Store.WriteTimeout)

	v.SetDefault("rules.reload_interval", d.Rules.ReloadInterval)

	v.SetDefault("events.buffer", d.Events.Buffer)

	v.SetDefault("body.max_size", d.Body.MaxSize)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.access_log", d.Logging.AccessLog)
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	for i, rc := range c.Rules.Static {
		r := rc.Rule()
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules.static[%d]: %w", i, err)
		}
	}
	return nil
}

// StoreDSN returns the configured DSN or the database inside DataDir.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.DataDir, "yuri.db")
}

// Rule converts the config entry into a RewriteRule. Rules are enabled
// unless the entry says otherwise; a missing header action means replace.
func (rc RuleConfig) Rule() RewriteRule {
	enabled := rc.Enabled == nil || *rc.Enabled
	action := Action(rc.Action)
	if action == "" && RuleType(rc.Type) == RuleTypeHeader {
		action = ActionReplace
	}
	return RewriteRule{
		Name:         rc.Name,
		Enabled:      enabled,
		RuleType:     RuleType(rc.Type),
		MatchPattern: rc.MatchPattern,
		ReplaceWith:  rc.ReplaceWith,
		Location:     Location(rc.Location),
		Action:       action,
	}
}

// BuildRuleLoader returns the static config rules followed by the enabled
// rules of store (when non-nil).
func (c *Config) BuildRuleLoader(store *Store) RuleLoader {
	static := make([]RewriteRule, 0, len(c.Rules.Static))
	for i, rc := range c.Rules.Static {
		r := rc.Rule()
		r.ID = fmt.Sprintf("config-%d", i)
		static = append(static, r)
	}

	if store == nil {
		return NewStaticLoader(static...)
	}
	if len(static) == 0 {
		return RuleLoaderFunc(store.EnabledRules)
	}
	return NewMultiLoader(NewStaticLoader(static...), RuleLoaderFunc(store.EnabledRules))
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Yuri interception engine configuration

# Authority files (yuri_ca.pem, yuri_ca.key) and the default database
# data_dir: "/home/me/.config/yuri"

proxy:
  host: "127.0.0.1"
  port: 9090
  # Start intercepting at boot instead of waiting for POST /api/proxy/start
  autostart: false
  idle_timeout: 30s
  # Hosts relayed without interception, e.g. apps that pin certificates
  passthrough:
    - "*.icloud.com"

api:
  # Query API, event stream, metrics and health probes
  addr: "127.0.0.1:3000"

tls:
  cert_cache_size: 1000
  # Accept self-signed origin certificates
  insecure_upstream: false

store:
  # Defaults to <data_dir>/yuri.db
  # dsn: "/var/lib/yuri/yuri.db"
  write_timeout: 5s

rules:
  # Re-read stored rules periodically (0 disables)
  reload_interval: 0s

  # Rules applied before the stored ones
  static:
    - name: "force https"
      type: url
      match: "^http://"
      replace: "https://"
      location: request

    - name: "tag requests"
      type: header
      match: "X-Intercepted-By"
      replace: "yuri"
      location: request
      action: add

events:
  # Per-subscriber queue; slow subscribers drop events
  buffer: 100

body:
  # Bodies larger than this are forwarded untouched (bytes, 0 = unlimited)
  max_size: 10485760

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path (rotated)
  output: "stderr"
  max_size_mb: 100
  max_backups: 3
  max_age_days: 28

  access_log: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
