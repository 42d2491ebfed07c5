package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HostType identifies a video host backend
type HostType string

const (
	HostTypeFileShare HostType = "fileshare"
	HostTypeOwnCloud  HostType = "owncloud"
	HostTypeS3        HostType = "s3"
	HostTypeSemantic  HostType = "semantic"
	HostTypeTranscode HostType = "transcode"
)

// HostTypes lists every supported backend
func HostTypes() []HostType {
	return []HostType{HostTypeFileShare, HostTypeOwnCloud, HostTypeS3, HostTypeSemantic, HostTypeTranscode}
}

// Merge strategies for conflicting edits
const (
	MergeThreeWay  = "merge"
	MergeLocalWins = "local"
)

// Config holds all application configuration
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Hosts   []HostConfig  `mapstructure:"hosts"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig holds the on-disk locations
type StorageConfig struct {
	LocalDir string `mapstructure:"local_dir"` // manifests never uploaded
	CacheDir string `mapstructure:"cache_dir"` // cloud originals and modified copies
	Ledger   string `mapstructure:"ledger"`    // bbolt file; empty keeps it in memory
}

// CacheConfig tunes the in-memory manifest cache
type CacheConfig struct {
	Expiry   time.Duration `mapstructure:"expiry"`
	Prefetch string        `mapstructure:"prefetch"` // none, info or full
}

// SyncConfig tunes push/pull behaviour
type SyncConfig struct {
	MaxMergeAttempts int         `mapstructure:"max_merge_attempts"`
	MergeStrategy    string      `mapstructure:"merge_strategy"` // merge or local
	Retry            RetryConfig `mapstructure:"retry"`
}

// RetryConfig controls how often an unreachable host is retried per run
type RetryConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// HostConfig describes one remote host
type HostConfig struct {
	Name      string   `mapstructure:"name"`
	Type      HostType `mapstructure:"type"`
	URL       string   `mapstructure:"url"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Token     string   `mapstructure:"token"`
	Bucket    string   `mapstructure:"bucket"`     // s3 only
	Region    string   `mapstructure:"region"`     // s3 only
	Endpoint  string   `mapstructure:"endpoint"`   // s3 compatible stores
	Prefix    string   `mapstructure:"prefix"`     // s3 key prefix
	PublicURL string   `mapstructure:"public_url"` // s3 media base URL
}

// ServerConfig is used by `semvid serve`
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	Dir      string `mapstructure:"dir"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File   string `mapstructure:"file"` // "-" logs to stderr
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	data := defaultDataPath()
	return &Config{
		Storage: StorageConfig{
			LocalDir: filepath.Join(data, "local"),
			CacheDir: filepath.Join(data, "cloud"),
			Ledger:   filepath.Join(data, "ledger.db"),
		},
		Cache: CacheConfig{
			Expiry:   5 * time.Minute,
			Prefetch: "info",
		},
		Sync: SyncConfig{
			MaxMergeAttempts: 10,
			MergeStrategy:    MergeThreeWay,
			Retry: RetryConfig{
				Attempts:     3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Hosts: []HostConfig{},
		Server: ServerConfig{
			Addr: "127.0.0.1:8640",
			Dir:  filepath.Join(data, "share"),
		},
		Logging: LoggingConfig{
			File:   filepath.Join(data, "semvid.log"),
			Level:  "INFO",
			Format: "json",
		},
	}
}

// defaultDataPath returns the data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "semvid")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "semvid")
	}
}

// DefaultConfigDir returns the directory searched for config.yaml
func DefaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "semvid")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "semvid")
	}
}

// newViper creates an instance seeded with the defaults so every key can be
// overridden from the environment, e.g. SEMVID_CACHE_PREFETCH=full
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SEMVID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setValues(v.SetDefault, cfg)
	return v
}

func setValues(set func(string, any), cfg *Config) {
	set("storage.local_dir", cfg.Storage.LocalDir)
	set("storage.cache_dir", cfg.Storage.CacheDir)
	set("storage.ledger", cfg.Storage.Ledger)

	set("cache.expiry", cfg.Cache.Expiry.String())
	set("cache.prefetch", cfg.Cache.Prefetch)

	set("sync.max_merge_attempts", cfg.Sync.MaxMergeAttempts)
	set("sync.merge_strategy", cfg.Sync.MergeStrategy)
	set("sync.retry.attempts", cfg.Sync.Retry.Attempts)
	set("sync.retry.initial_delay", cfg.Sync.Retry.InitialDelay.String())
	set("sync.retry.max_delay", cfg.Sync.Retry.MaxDelay.String())

	hosts := make([]map[string]any, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		row := map[string]any{"name": h.Name, "type": string(h.Type), "url": h.URL}
		for k, val := range map[string]string{
			"username":   h.Username,
			"password":   h.Password,
			"token":      h.Token,
			"bucket":     h.Bucket,
			"region":     h.Region,
			"endpoint":   h.Endpoint,
			"prefix":     h.Prefix,
			"public_url": h.PublicURL,
		} {
			if val != "" {
				row[k] = val
			}
		}
		hosts = append(hosts, row)
	}
	set("hosts", hosts)

	set("server.addr", cfg.Server.Addr)
	set("server.dir", cfg.Server.Dir)
	set("server.username", cfg.Server.Username)
	set("server.password", cfg.Server.Password)

	set("logging.file", cfg.Logging.File)
	set("logging.level", cfg.Logging.Level)
	set("logging.format", cfg.Logging.Format)
}

// LoadConfig loads configuration from file and environment. With an empty
// path config.yaml is looked up in the config dir and the working directory
// and a missing file is fine; an explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	v := newViper(DefaultConfig())

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = []HostConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML. An empty path writes config.yaml in the
// default config dir.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = filepath.Join(DefaultConfigDir(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setValues(v.Set, cfg)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks host entries and enumerated settings
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, h := range c.Hosts {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: name is required", i))
		} else if seen[h.Name] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate name %q", i, h.Name))
		}
		seen[h.Name] = true

		switch h.Type {
		case HostTypeS3:
			if h.Bucket == "" {
				errs = append(errs, fmt.Errorf("host %q: bucket is required", h.Name))
			}
		case HostTypeFileShare, HostTypeOwnCloud, HostTypeSemantic, HostTypeTranscode:
			if h.URL == "" {
				errs = append(errs, fmt.Errorf("host %q: url is required", h.Name))
			}
		case "":
			// left for detection at startup
			if h.URL == "" {
				errs = append(errs, fmt.Errorf("host %q: url is required", h.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("host %q: unknown type %q", h.Name, h.Type))
		}
	}

	switch c.Sync.MergeStrategy {
	case MergeThreeWay, MergeLocalWins:
	default:
		errs = append(errs, fmt.Errorf("sync.merge_strategy: unknown strategy %q", c.Sync.MergeStrategy))
	}
	if c.Sync.MaxMergeAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_merge_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsConfigured returns true if at least one host is set up
func (c *Config) IsConfigured() bool {
	return len(c.Hosts) > 0
}

// Host returns the host entry with the given name
func (c *Config) Host(name string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostConfig{}, false
}
