package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreREST   = "rest"
	StoreSQLite = "sqlite"
)

// Cache backends.
const (
	CacheInMemory  = "in_memory"
	CacheMemcached = "memcached"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	StoreBackend        string // "rest" or "sqlite"
	ReadingStoreURL     string
	ReadingStoreAPIKey  string
	ReadingStoreTable   string
	ReadingStoreTimeout time.Duration
	SQLitePath          string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CacheBackend    string // "in_memory" or "memcached"
	CacheTTL        time.Duration
	StaleCacheTTL   time.Duration
	CoalesceTimeout time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	ShutdownTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	DegradedMinRequests  int
	StorePingTimeout     time.Duration

	Timezone         string
	Location         *time.Location
	TrackedLocations []string
	ShowcaseInterval time.Duration
	WarmInterval     time.Duration // 0 disables periodic warming

	ThresholdsFile string // empty uses the embedded tables

	MQTTEnabled   bool
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTTopic     string
	MQTTQoS       int

	CORSOrigins []string

	LocationMinLength int
	LocationMaxLength int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Backend string `yaml:"backend"`
		REST    struct {
			URL     string `yaml:"url"`
			Table   string `yaml:"table"`
			Timeout string `yaml:"timeout"`
		} `yaml:"rest"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"store"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		StaleTTL        string `yaml:"stale_ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedMinRequests  int    `yaml:"degraded_min_requests"`
		StorePingTimeout     string `yaml:"store_ping_timeout"`
	} `yaml:"health"`

	Dashboard struct {
		Timezone          string   `yaml:"timezone"`
		TrackedLocations  []string `yaml:"tracked_locations"`
		ShowcaseInterval  string   `yaml:"showcase_interval"`
		WarmInterval      string   `yaml:"warm_interval"`
		LocationMinLength int      `yaml:"location_min_length"`
		LocationMaxLength int      `yaml:"location_max_length"`
	} `yaml:"dashboard"`

	Thresholds struct {
		File string `yaml:"file"`
	} `yaml:"thresholds"`

	MQTT struct {
		Enabled   bool   `yaml:"enabled"`
		BrokerURL string `yaml:"broker_url"`
		ClientID  string `yaml:"client_id"`
		Topic     string `yaml:"topic"`
		QoS       int    `yaml:"qos"`
	} `yaml:"mqtt"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

type secretsFile struct {
	ReadingStoreAPIKey string `yaml:"reading_store_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The store API key comes from READING_STORE_API_KEY env or the secrets file and is only
// required for the rest backend. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.StoreBackend = envOr("STORE_BACKEND", fc.Store.Backend, StoreREST)
	cfg.ReadingStoreURL = strings.TrimSpace(fc.Store.REST.URL)
	cfg.ReadingStoreTable = strings.TrimSpace(fc.Store.REST.Table)
	if cfg.ReadingStoreTable == "" {
		cfg.ReadingStoreTable = "sensor_readings"
	}
	cfg.ReadingStoreTimeout = parseDurationOrZero(fc.Store.REST.Timeout, 3*time.Second)
	cfg.SQLitePath = strings.TrimSpace(fc.Store.SQLite.Path)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "data/readings.db"
	}
	if cfg.StoreBackend == StoreREST {
		key, err := loadAPIKey(cwd)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, fmt.Errorf("READING_STORE_API_KEY required for the rest store (set env or config/secrets.yaml reading_store_api_key)")
		}
		cfg.ReadingStoreAPIKey = key
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheBackend = envOr("CACHE_BACKEND", fc.Cache.Backend, CacheInMemory)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.StaleCacheTTL = parseDurationOrZero(fc.Cache.StaleTTL, time.Hour)
	if cfg.StaleCacheTTL < 0 {
		cfg.StaleCacheTTL = 0
	}
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 10*time.Second)
	if cfg.CoalesceTimeout < 0 {
		cfg.CoalesceTimeout = 0
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedMinRequests = fc.Health.DegradedMinRequests
	if cfg.DegradedMinRequests < 0 {
		cfg.DegradedMinRequests = 0
	}
	cfg.StorePingTimeout = parseDuration(fc.Health.StorePingTimeout, 2*time.Second)

	cfg.Timezone = strings.TrimSpace(fc.Dashboard.Timezone)
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	cfg.TrackedLocations = normalizeLocations(fc.Dashboard.TrackedLocations)
	cfg.ShowcaseInterval = parseDuration(fc.Dashboard.ShowcaseInterval, 30*time.Second)
	cfg.WarmInterval = parseDurationOrZero(fc.Dashboard.WarmInterval, 0)
	if cfg.WarmInterval < 0 {
		cfg.WarmInterval = 0
	}
	cfg.LocationMinLength = fc.Dashboard.LocationMinLength
	if cfg.LocationMinLength <= 0 {
		cfg.LocationMinLength = 1
	}
	cfg.LocationMaxLength = fc.Dashboard.LocationMaxLength
	if cfg.LocationMaxLength <= 0 {
		cfg.LocationMaxLength = 64
	}

	cfg.ThresholdsFile = strings.TrimSpace(fc.Thresholds.File)

	cfg.MQTTEnabled = fc.MQTT.Enabled
	cfg.MQTTBrokerURL = strings.TrimSpace(fc.MQTT.BrokerURL)
	if cfg.MQTTBrokerURL == "" {
		cfg.MQTTBrokerURL = "tcp://localhost:1883"
	}
	cfg.MQTTClientID = strings.TrimSpace(fc.MQTT.ClientID)
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "air-quality-service"
	}
	cfg.MQTTTopic = strings.TrimSpace(fc.MQTT.Topic)
	if cfg.MQTTTopic == "" {
		cfg.MQTTTopic = "sensors/+/readings"
	}
	cfg.MQTTQoS = fc.MQTT.QoS

	cfg.CORSOrigins = fc.CORS.AllowedOrigins

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAPIKey returns READING_STORE_API_KEY, falling back to config/secrets.yaml.
// A missing secrets file is not an error.
func loadAPIKey(cwd string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("READING_STORE_API_KEY")); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.ReadingStoreAPIKey), nil
}

// envOr returns the lowercased env var when set, else the file value, else def.
func envOr(name, fileVal, def string) string {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(name))); v != "" {
		return v
	}
	if v := strings.ToLower(strings.TrimSpace(fileVal)); v != "" {
		return v
	}
	return def
}

// normalizeLocations trims, lowercases and de-duplicates location IDs, keeping order.
func normalizeLocations(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above ReadingStoreTimeout when needed.
func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case StoreREST:
		if cfg.ReadingStoreURL == "" {
			return fmt.Errorf("store.rest.url is required for the rest store")
		}
		if cfg.ReadingStoreTimeout <= 0 {
			return fmt.Errorf("store.rest.timeout must be positive")
		}
		if cfg.RequestTimeout <= cfg.ReadingStoreTimeout {
			cfg.RequestTimeout = cfg.ReadingStoreTimeout + time.Second
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("store.backend must be rest or sqlite, got %q", cfg.StoreBackend)
	}
	switch cfg.CacheBackend {
	case CacheInMemory, CacheMemcached:
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.MQTTEnabled && cfg.StoreBackend != StoreSQLite {
		return fmt.Errorf("mqtt ingest requires the sqlite store")
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTTQoS)
	}
	if cfg.LocationMinLength > cfg.LocationMaxLength {
		return fmt.Errorf("dashboard.location_min_length %d exceeds location_max_length %d", cfg.LocationMinLength, cfg.LocationMaxLength)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("dashboard.timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	return nil
}
