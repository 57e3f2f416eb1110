package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration, resolved from environment
// variables first and an optional YAML file second.
type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	NodeEnv  string `mapstructure:"node_env"`

	Provider  ProviderConfig  `mapstructure:"provider"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Migration MigrationConfig `mapstructure:"migration"`
	Health    HealthConfig    `mapstructure:"health"`
	Region    RegionConfig    `mapstructure:"region"`
	DataDir   string          `mapstructure:"data_dir"`
}

// ProviderConfig configures the upstream provider client
type ProviderConfig struct {
	APIKey                  string        `mapstructure:"api_key"`
	BaseURL                 string        `mapstructure:"base_url"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	MaxRetryAttempts        int           `mapstructure:"max_retry_attempts"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	RateLimitRPS            float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst          int           `mapstructure:"rate_limit_burst"`
	RateLimitMaxWait        time.Duration `mapstructure:"rate_limit_max_wait"`
}

// JobsConfig configures the job engine
type JobsConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
}

// CacheConfig configures the cache layer
type CacheConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	MaxSize            int           `mapstructure:"max_size"`
	InstanceDetailsTTL time.Duration `mapstructure:"instance_details_ttl"`
	InstanceStatesTTL  time.Duration `mapstructure:"instance_states_ttl"`
	ProductsTTL        time.Duration `mapstructure:"products_ttl"`
	TemplatesTTL       time.Duration `mapstructure:"templates_ttl"`
	ClearTime          string        `mapstructure:"clear_time"`
}

// WebhookConfig configures outbound webhook delivery
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// MigrationConfig configures the spot reclaim migration scheduler
type MigrationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	MaxConcurrent   int  `mapstructure:"max_concurrent"`
	DryRun          bool `mapstructure:"dry_run"`
}

// HealthConfig holds defaults for application health probes
type HealthConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// RegionConfig configures product selection fallback
type RegionConfig struct {
	Default  string   `mapstructure:"default"`
	Priority []string `mapstructure:"priority"`
}

// envBindings maps the flat environment variables onto config keys.
// Env always wins over the file.
var envBindings = map[string]string{
	"port":      "PORT",
	"log_level": "LOG_LEVEL",
	"log_json":  "LOG_JSON",
	"node_env":  "NODE_ENV",
	"data_dir":  "DATA_DIR",

	"provider.api_key":                   "PROVIDER_API_KEY",
	"provider.base_url":                  "PROVIDER_BASE_URL",
	"provider.request_timeout":           "PROVIDER_REQUEST_TIMEOUT",
	"provider.max_retry_attempts":        "MAX_RETRY_ATTEMPTS",
	"provider.circuit_breaker_threshold": "CIRCUIT_BREAKER_THRESHOLD",
	"provider.circuit_breaker_timeout":   "CIRCUIT_BREAKER_TIMEOUT",
	"provider.rate_limit_rps":            "RATE_LIMIT_RPS",
	"provider.rate_limit_burst":          "RATE_LIMIT_BURST",
	"provider.rate_limit_max_wait":       "RATE_LIMIT_MAX_WAIT",

	"jobs.max_concurrent":  "MAX_CONCURRENT_JOBS",
	"jobs.max_attempts":    "MAX_RETRY_ATTEMPTS",
	"jobs.poll_interval":   "INSTANCE_POLL_INTERVAL",
	"jobs.startup_timeout": "INSTANCE_STARTUP_TIMEOUT",

	"cache.ttl":                  "CACHE_TTL",
	"cache.max_size":             "CACHE_MAX_SIZE",
	"cache.instance_details_ttl": "CACHE_INSTANCE_DETAILS_TTL",
	"cache.instance_states_ttl":  "CACHE_INSTANCE_STATES_TTL",
	"cache.products_ttl":         "CACHE_PRODUCTS_TTL",
	"cache.templates_ttl":        "CACHE_TEMPLATES_TTL",
	"cache.clear_time":           "CACHE_CLEAR_TIME",

	"webhook.url":     "WEBHOOK_URL",
	"webhook.secret":  "WEBHOOK_SECRET",
	"webhook.timeout": "WEBHOOK_TIMEOUT",
	"webhook.retries": "WEBHOOK_RETRIES",

	"migration.enabled":          "MIGRATION_ENABLED",
	"migration.interval_minutes": "MIGRATION_INTERVAL_MINUTES",
	"migration.max_concurrent":   "MIGRATION_MAX_CONCURRENT",
	"migration.dry_run":          "MIGRATION_DRY_RUN",

	"health.timeout":     "HEALTH_CHECK_TIMEOUT",
	"health.max_retries": "HEALTH_CHECK_MAX_RETRIES",
	"health.retry_delay": "HEALTH_CHECK_RETRY_DELAY",

	"region.default":  "DEFAULT_REGION",
	"region.priority": "REGION_PRIORITY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("node_env", "development")
	v.SetDefault("data_dir", "/var/lib/nimbus")

	v.SetDefault("provider.base_url", "https://api.provider.example.com")
	v.SetDefault("provider.request_timeout", "30s")
	v.SetDefault("provider.max_retry_attempts", 3)
	v.SetDefault("provider.circuit_breaker_threshold", 5)
	v.SetDefault("provider.circuit_breaker_timeout", "60s")
	v.SetDefault("provider.rate_limit_rps", 10.0)
	v.SetDefault("provider.rate_limit_burst", 20)
	v.SetDefault("provider.rate_limit_max_wait", "30s")

	v.SetDefault("jobs.max_concurrent", 10)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.poll_interval", "30s")
	v.SetDefault("jobs.startup_timeout", "10m")
	v.SetDefault("jobs.handler_timeout", "15m")
	v.SetDefault("jobs.cleanup_interval", "1h")
	v.SetDefault("jobs.retention_period", "24h")

	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.instance_details_ttl", "30s")
	v.SetDefault("cache.instance_states_ttl", "60s")
	v.SetDefault("cache.products_ttl", "5m")
	v.SetDefault("cache.templates_ttl", "10m")
	v.SetDefault("cache.clear_time", "03:00")

	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retries", 3)

	v.SetDefault("migration.enabled", true)
	v.SetDefault("migration.interval_minutes", 15)
	v.SetDefault("migration.max_concurrent", 5)
	v.SetDefault("migration.dry_run", false)

	v.SetDefault("health.timeout", "5s")
	v.SetDefault("health.max_retries", 2)
	v.SetDefault("health.retry_delay", "2s")

	v.SetDefault("region.default", "")
	v.SetDefault("region.priority", []string{})
}

// Load resolves configuration. path points at an optional YAML file; an
// empty path loads from environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// REGION_PRIORITY arrives as a comma-separated string from env
	if raw := v.GetString("region.priority"); raw != "" && strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		cfg.Region.Priority = cfg.Region.Priority[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Region.Priority = append(cfg.Region.Priority, p)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be positive, got %d", c.Jobs.MaxAttempts)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Migration.IntervalMinutes <= 0 {
		return fmt.Errorf("migration.interval_minutes must be positive, got %d", c.Migration.IntervalMinutes)
	}
	if _, err := ParseClearTime(c.Cache.ClearTime); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether error responses should mask internals
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// ParseClearTime converts an "HH:MM" wall time into a cron spec
func ParseClearTime(s string) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("invalid cache clear time %q (want HH:MM)", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("invalid cache clear time %q (want HH:MM)", s)
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}
