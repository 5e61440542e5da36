// Package config resolves mapsync settings.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// CONFIG_FILE, a .env file (never overriding the real environment), and the
// environment itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	APIBaseURL       string        `yaml:"api_base_url"`
	APITimeout       time.Duration `yaml:"api_timeout"`
	PageSize         int           `yaml:"page_size"`
	MergeConcurrency int           `yaml:"merge_concurrency"`
	DropHiddenLayers bool          `yaml:"drop_hidden_layers"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`

	PrefsBackend     string `yaml:"prefs_backend"`
	PrefsSQLitePath  string `yaml:"prefs_sqlite_path"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	PrefsRedisPrefix string `yaml:"prefs_redis_prefix"`
	DatabaseURL      string `yaml:"database_url"`

	MapCenterLat float64 `yaml:"map_center_lat"`
	MapCenterLng float64 `yaml:"map_center_lng"`
	MapZoom      int     `yaml:"map_zoom"`
}

func Default() Config {
	return Config{
		HTTPAddr:         ":8082",
		LogLevel:         "info",
		APIBaseURL:       "http://localhost:8000/api/v1",
		APITimeout:       10 * time.Second,
		PageSize:         50,
		MergeConcurrency: 4,
		PrefsBackend:     BackendSQLite,
		PrefsSQLitePath:  "mapsync-prefs.db",
		PrefsRedisPrefix: "mapsync:prefs:",
		MapZoom:          2,
	}
}

// Load resolves the configuration from the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which follows os.LookupEnv semantics.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(strings.TrimSpace(path)); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("API_BASE_URL", &cfg.APIBaseURL)
	duration("API_TIMEOUT", &cfg.APITimeout)
	integer("PAGE_SIZE", &cfg.PageSize)
	integer("MERGE_CONCURRENCY", &cfg.MergeConcurrency)
	boolean("DROP_HIDDEN_LAYERS", &cfg.DropHiddenLayers)
	duration("REFRESH_INTERVAL", &cfg.RefreshInterval)
	str("PREFS_BACKEND", &cfg.PrefsBackend)
	str("PREFS_SQLITE_PATH", &cfg.PrefsSQLitePath)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	str("PREFS_REDIS_PREFIX", &cfg.PrefsRedisPrefix)
	str("DATABASE_URL", &cfg.DatabaseURL)
	float("MAP_CENTER_LAT", &cfg.MapCenterLat)
	float("MAP_CENTER_LNG", &cfg.MapCenterLng)
	integer("MAP_ZOOM", &cfg.MapZoom)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	cfg.PrefsBackend = strings.ToLower(strings.TrimSpace(cfg.PrefsBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIBaseURL) == "" {
		errs = append(errs, errors.New("API_BASE_URL must be set"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_SIZE must be positive (got %d)", c.PageSize))
	}
	if c.MergeConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("MERGE_CONCURRENCY must be positive (got %d)", c.MergeConcurrency))
	}
	if c.APITimeout <= 0 {
		errs = append(errs, fmt.Errorf("API_TIMEOUT must be positive (got %s)", c.APITimeout))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL must not be negative (got %s)", c.RefreshInterval))
	}
	switch c.PrefsBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.PrefsSQLitePath) == "" {
			errs = append(errs, errors.New("PREFS_SQLITE_PATH must be set for the sqlite backend"))
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR must be set for the redis backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PREFS_BACKEND %q", c.PrefsBackend))
	}
	if c.MapCenterLat < -90 || c.MapCenterLat > 90 || c.MapCenterLng < -180 || c.MapCenterLng > 180 {
		errs = append(errs, fmt.Errorf("map center out of range: %v,%v", c.MapCenterLat, c.MapCenterLng))
	}
	if c.MapZoom < 0 {
		errs = append(errs, fmt.Errorf("MAP_ZOOM must not be negative (got %d)", c.MapZoom))
	}
	return errors.Join(errs...)
}
