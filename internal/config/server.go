package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the plugapi server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	PluginsDir     string        `yaml:"plugins_dir"`
	StaticDir      string        `yaml:"static_dir"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	APIKey         string        `yaml:"api_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	Watch          bool          `yaml:"watch"`
	ScanWorkers    int           `yaml:"scan_workers"`
	BodyLimit      ByteSize      `yaml:"body_limit"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.PluginsDir == "" {
		c.PluginsDir = "plugins"
	}
	if c.StaticDir == "" {
		c.StaticDir = "public"
	}
	if c.ScanWorkers == 0 {
		c.ScanWorkers = 1
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = 10 << 20
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("plugapi.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("PLUGINS_DIR", ""); v != "" {
		c.PluginsDir = v
	}
	if v := getEnv("STATIC_DIR", ""); v != "" {
		c.StaticDir = v
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("WATCH", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watch = b
		}
	}
	if v := getEnv("SCAN_WORKERS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScanWorkers = n
		}
	}
	if v := getEnv("BODY_LIMIT", ""); v != "" {
		_ = c.BodyLimit.Set(v)
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults, so parsed flags take precedence over file and environment.
func (c *ServerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.PluginsDir, "plugins-dir", c.PluginsDir, "directory scanned for plugin modules")
	fs.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "directory served at / when it exists")
	fs.Var(metricsFlag{&c.MetricsAddr}, "metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required for admin endpoints; leave empty to disable auth")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "comma separated list of allowed CORS origins")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the plugin kv store; memory when empty")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "reload plugins when their files change")
	fs.IntVar(&c.ScanWorkers, "scan-workers", c.ScanWorkers, "modules compiled in parallel during a scan")
	fs.Var(&c.BodyLimit, "body-limit", "maximum request body size handed to plugins (e.g. 10mb)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown")
}

// MetricsListenAddr returns the metrics address, empty when metrics share
// the main listener.
func (c *ServerConfig) MetricsListenAddr() string {
	if c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port) {
		return ""
	}
	return c.MetricsAddr
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ScanWorkers < 1 {
		return fmt.Errorf("scan_workers must be at least 1, got %d", c.ScanWorkers)
	}
	if c.BodyLimit <= 0 {
		return fmt.Errorf("body_limit must be positive")
	}
	return nil
}

// ConfigFileFromArgs returns the value of --config if present in args.
func ConfigFileFromArgs(args []string) (string, bool) {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, "--config=") {
			return strings.TrimPrefix(a, "--config="), true
		}
	}
	return "", false
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func listenAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

type metricsFlag struct{ addr *string }

func (f metricsFlag) String() string {
	if f.addr == nil {
		return ""
	}
	return *f.addr
}
func (f metricsFlag) Set(v string) error { *f.addr = listenAddr(v); return nil }
func (f metricsFlag) Type() string       { return "addr" }
