package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/delight/hub/pkg/logger"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 3005
	defaultDatabasePath       = "./delight-hub.db"
	defaultPermissionDebounce = 500 * time.Millisecond
	defaultReadyCooldown      = 5 * time.Second
)

// Config holds hub configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr           string
	DatabasePath   string
	MasterSecret   string
	Debug          bool
	LogLevel       logger.Level
	AllowedOrigins []string
	// TLS holds HTTPS configuration. If nil, the server runs in plain HTTP mode.
	TLS *TLSConfig

	PermissionDebounce time.Duration
	ReadyCooldown      time.Duration

	// Pushover is nil when no Pushover credentials are configured.
	Pushover *PushoverConfig

	// DevPruneMessages deletes every stored message at startup.
	DevPruneMessages bool
}

// TLSConfig holds file paths for serving HTTPS directly from the server.
type TLSConfig struct {
	// CertFile is a PEM-encoded certificate chain.
	CertFile string `yaml:"certFile"`
	// KeyFile is a PEM-encoded private key.
	KeyFile string `yaml:"keyFile"`
}

// PushoverConfig holds Pushover delivery settings.
type PushoverConfig struct {
	Token    string
	UserKey  string
	Priority int
	Cooldown time.Duration
}

// Overrides optionally overrides values from the file and environment.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	ConfigFile   *string
	Addr         *string
	DatabasePath *string
	MasterSecret *string
	Debug        *bool
	LogLevel     *string
	TLS          *TLSConfig
}

// fileConfig is the YAML layout. Durations are in milliseconds.
type fileConfig struct {
	Port                 *int       `yaml:"port"`
	Addr                 *string    `yaml:"addr"`
	DatabasePath         *string    `yaml:"databasePath"`
	MasterSecret         *string    `yaml:"masterSecret"`
	Debug                *bool      `yaml:"debug"`
	LogLevel             *string    `yaml:"logLevel"`
	AllowedOrigins       []string   `yaml:"allowedOrigins"`
	TLS                  *TLSConfig `yaml:"tls"`
	PermissionDebounceMs *int64     `yaml:"permissionDebounceMs"`
	ReadyCooldownMs      *int64     `yaml:"readyCooldownMs"`
	Pushover             struct {
		Token      *string `yaml:"token"`
		UserKey    *string `yaml:"userKey"`
		Priority   *int    `yaml:"priority"`
		CooldownMs *int64  `yaml:"cooldownMs"`
	} `yaml:"pushover"`
}

// Load builds the configuration from defaults, then the optional YAML file
// (--config or DELIGHT_CONFIG_FILE), then environment variables, then any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	cfg := &Config{
		Addr:               fmt.Sprintf(":%d", defaultPort),
		DatabasePath:       defaultDatabasePath,
		LogLevel:           logger.LevelInfo,
		AllowedOrigins:     []string{"*"}, // For self-hosted, allow all origins
		PermissionDebounce: defaultPermissionDebounce,
		ReadyCooldown:      defaultReadyCooldown,
	}
	pushover := PushoverConfig{}

	path := os.Getenv("DELIGHT_CONFIG_FILE")
	if overrides.ConfigFile != nil {
		path = *overrides.ConfigFile
	}
	if path != "" {
		if err := applyFile(cfg, &pushover, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, &pushover); err != nil {
		return nil, err
	}

	if overrides.Addr != nil {
		cfg.Addr = *overrides.Addr
	}
	if overrides.DatabasePath != nil {
		cfg.DatabasePath = *overrides.DatabasePath
	}
	if overrides.MasterSecret != nil {
		cfg.MasterSecret = *overrides.MasterSecret
	}
	if overrides.Debug != nil {
		cfg.Debug = *overrides.Debug
	}
	if overrides.LogLevel != nil {
		lvl, err := logger.ParseLevel(*overrides.LogLevel)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = lvl
	}
	if overrides.TLS != nil {
		cfg.TLS = overrides.TLS
	}
	if cfg.Debug && cfg.LogLevel > logger.LevelDebug {
		cfg.LogLevel = logger.LevelDebug
	}

	if pushover.Token != "" || pushover.UserKey != "" {
		cfg.Pushover = &pushover
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, pushover *PushoverConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != nil {
		cfg.Addr = fmt.Sprintf(":%d", *fc.Port)
	}
	if fc.Addr != nil {
		cfg.Addr = *fc.Addr
	}
	if fc.DatabasePath != nil {
		cfg.DatabasePath = *fc.DatabasePath
	}
	if fc.MasterSecret != nil {
		cfg.MasterSecret = *fc.MasterSecret
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	if fc.LogLevel != nil {
		lvl, err := logger.ParseLevel(*fc.LogLevel)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.LogLevel = lvl
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.TLS != nil {
		cfg.TLS = fc.TLS
	}
	if fc.PermissionDebounceMs != nil {
		cfg.PermissionDebounce = millis(*fc.PermissionDebounceMs)
	}
	if fc.ReadyCooldownMs != nil {
		cfg.ReadyCooldown = millis(*fc.ReadyCooldownMs)
	}
	if fc.Pushover.Token != nil {
		pushover.Token = *fc.Pushover.Token
	}
	if fc.Pushover.UserKey != nil {
		pushover.UserKey = *fc.Pushover.UserKey
	}
	if fc.Pushover.Priority != nil {
		pushover.Priority = *fc.Pushover.Priority
	}
	if fc.Pushover.CooldownMs != nil {
		pushover.Cooldown = millis(*fc.Pushover.CooldownMs)
	}
	return nil
}

func applyEnv(cfg *Config, pushover *PushoverConfig) error {
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", portStr, err)
		}
		cfg.Addr = fmt.Sprintf(":%d", p)
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("DELIGHT_MASTER_SECRET"); v != "" {
		cfg.MasterSecret = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = isTrue(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := logger.ParseLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if v := os.Getenv("DELIGHT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DELIGHT_DEV_PRUNE_MESSAGES"); v != "" {
		cfg.DevPruneMessages = isTrue(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DELIGHT_PERMISSION_DEBOUNCE_MS", &cfg.PermissionDebounce},
		{"DELIGHT_READY_COOLDOWN_MS", &cfg.ReadyCooldown},
		{"DELIGHT_PUSHOVER_COOLDOWN_MS", &pushover.Cooldown},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = millis(ms)
	}

	if v := os.Getenv("DELIGHT_PUSHOVER_TOKEN"); v != "" {
		pushover.Token = v
	}
	if v := os.Getenv("DELIGHT_PUSHOVER_USER_KEY"); v != "" {
		pushover.UserKey = v
	}
	if v := os.Getenv("DELIGHT_PUSHOVER_PRIORITY"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DELIGHT_PUSHOVER_PRIORITY %q: %w", v, err)
		}
		pushover.Priority = p
	}
	return nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.MasterSecret == "" {
		errs = append(errs, errors.New("DELIGHT_MASTER_SECRET environment variable is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if err := validateAddr(c.Addr); err != nil {
		errs = append(errs, err)
	}
	if c.PermissionDebounce < 0 || c.ReadyCooldown < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls requires both certFile and keyFile"))
	}
	if p := c.Pushover; p != nil {
		if p.Token == "" || p.UserKey == "" {
			errs = append(errs, errors.New("pushover requires both token and user key"))
		}
		if p.Priority < -2 || p.Priority > 2 {
			errs = append(errs, fmt.Errorf("pushover priority %d out of range [-2, 2]", p.Priority))
		}
		if p.Cooldown < 0 {
			errs = append(errs, errors.New("pushover cooldown must not be negative"))
		}
	}
	return errors.Join(errs...)
}

func validateAddr(addr string) error {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return fmt.Errorf("invalid listen address %q", addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port in listen address %q", addr)
	}
	return nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
