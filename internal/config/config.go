package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	HTTP     struct {
		Listen         string   `json:"listen" yaml:"listen"`
		ViewerHeader   string   `json:"viewer_header" yaml:"viewer_header"`
		MaxConnections int64    `json:"max_connections" yaml:"max_connections"`
		AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
		Debug          bool     `json:"debug" yaml:"debug"`
	} `json:"http" yaml:"http"`
	Stream struct {
		TickInterval      Duration `json:"tick_interval" yaml:"tick_interval"`
		MinEmitInterval   Duration `json:"min_emit_interval" yaml:"min_emit_interval"`
		CacheTTL          Duration `json:"cache_ttl" yaml:"cache_ttl"`
		LogCapacity       int      `json:"log_capacity" yaml:"log_capacity"`
		KeepAliveInterval Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
		MaxConnectionAge  Duration `json:"max_connection_age" yaml:"max_connection_age"`
	} `json:"stream" yaml:"stream"`
	Store struct {
		Backend string `json:"backend" yaml:"backend"`
		Mongo   struct {
			URI                     string   `json:"uri" yaml:"uri"`
			Database                string   `json:"database" yaml:"database"`
			PostsCollection         string   `json:"posts_collection" yaml:"posts_collection"`
			NotificationsCollection string   `json:"notifications_collection" yaml:"notifications_collection"`
			WordType                string   `json:"word_type" yaml:"word_type"`
			PrayerType              string   `json:"prayer_type" yaml:"prayer_type"`
			Timeout                 Duration `json:"timeout" yaml:"timeout"`
		} `json:"mongo" yaml:"mongo"`
	} `json:"store" yaml:"store"`
	Janitor struct {
		PruneSchedule string   `json:"prune_schedule" yaml:"prune_schedule"`
		StatsSchedule string   `json:"stats_schedule" yaml:"stats_schedule"`
		CacheMaxAge   Duration `json:"cache_max_age" yaml:"cache_max_age"`
	} `json:"janitor" yaml:"janitor"`
}

const (
	BackendFile  = "file"
	BackendMongo = "mongo"
)

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".prayerfeed"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = ":8080"
	cfg.HTTP.ViewerHeader = "X-Viewer-ID"
	cfg.HTTP.MaxConnections = 1000
	cfg.Stream.TickInterval = Duration(10 * time.Second)
	cfg.Stream.MinEmitInterval = Duration(10 * time.Second)
	cfg.Stream.CacheTTL = Duration(5 * time.Second)
	cfg.Stream.LogCapacity = 50
	cfg.Stream.KeepAliveInterval = Duration(25 * time.Second)
	cfg.Store.Backend = BackendFile
	cfg.Store.Mongo.URI = "mongodb://localhost:27017"
	cfg.Store.Mongo.Database = "feed"
	cfg.Store.Mongo.PostsCollection = "posts"
	cfg.Store.Mongo.NotificationsCollection = "notifications"
	cfg.Store.Mongo.WordType = "word"
	cfg.Store.Mongo.PrayerType = "prayer"
	cfg.Store.Mongo.Timeout = Duration(3 * time.Second)
	cfg.Janitor.PruneSchedule = "@every 1m"
	cfg.Janitor.StatsSchedule = "@every 5m"
	cfg.Janitor.CacheMaxAge = Duration(time.Minute)
	return cfg
}

// Load reads the config file at path on top of the defaults. A missing file
// is created with the defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if listen := os.Getenv("PRAYERFEED_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if uri := os.Getenv("PRAYERFEED_MONGO_URI"); uri != "" {
		cfg.Store.Mongo.URI = uri
	}
	if level := os.Getenv("PRAYERFEED_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendMongo:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendFile, BackendMongo, c.Store.Backend)
	}
	if c.Stream.TickInterval <= 0 {
		return fmt.Errorf("stream.tick_interval must be positive")
	}
	if c.Stream.MinEmitInterval < 0 {
		return fmt.Errorf("stream.min_emit_interval must not be negative")
	}
	if c.Stream.LogCapacity <= 0 {
		return fmt.Errorf("stream.log_capacity must be positive")
	}
	if c.HTTP.MaxConnections <= 0 {
		return fmt.Errorf("http.max_connections must be positive")
	}
	if c.Store.Backend == BackendMongo && c.Store.Mongo.URI == "" {
		return fmt.Errorf("store.mongo.uri is required for the mongo backend")
	}
	return nil
}

// ContentPath is the file backing the development content store.
func (c *Config) ContentPath() string {
	return filepath.Join(c.DataDir, "content.json")
}

// PIDPath is the file holding the running server's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "prayerfeed.pid")
}

// Save writes cfg to path atomically, in the format implied by the file
// extension.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ToMap converts cfg into a nested map keyed by the JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting of cfg as dot-separated keys, optionally
// with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the effective value of key: the config file at path
// over the defaults, with environment overrides applied. The file is
// created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. The value is
// converted to the key's type; unknown keys and values of the wrong type
// are rejected.
func SetValue(path, key, value string) error {
	v, err := coerceValue(key, value)
	if err != nil {
		return err
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = v

	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
