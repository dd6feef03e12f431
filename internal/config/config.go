// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// RateLimitClass holds the fixed-window limit for one message class.
type RateLimitClass struct {
	Max       int `mapstructure:"MAX"`
	WindowMs  int `mapstructure:"WINDOW_MS"`
}

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	Port           string `mapstructure:"PORT"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBSSLMode      string `mapstructure:"DB_SSLMODE"`
	DBReadHost     string `mapstructure:"DB_READ_HOST"`
	DBReadPort     string `mapstructure:"DB_READ_PORT"`
	DBReadUser     string `mapstructure:"DB_READ_USER"`
	DBReadPassword string `mapstructure:"DB_READ_PASSWORD"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags   string `mapstructure:"FEATURE_FLAGS"`
	Env            string `mapstructure:"APP_ENV"`
	DBSchemaMode   string `mapstructure:"DB_SCHEMA_MODE"`

	DBAutoMigrateAllowDestructive bool `mapstructure:"DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE"`
	DBMaxOpenConns                int  `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns                int  `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinutes      int  `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`
	DBPreflightTimeoutMs          int  `mapstructure:"DB_PREFLIGHT_TIMEOUT_MS"`

	TracingEnabled         bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter        string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint           string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName        string  `mapstructure:"OTEL_SERVICE_NAME"`
	OTELTracesSamplerRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_RATIO"`
	EnableProxyHeader      bool    `mapstructure:"ENABLE_PROXY_HEADER"`

	// Relay-specific tuning. See spec §6.4 for the recognised options and
	// their defaults.
	HeartbeatTimeoutMs     int `mapstructure:"HEARTBEAT_TIMEOUT_MS"`
	ReconnectGracePeriodMs int `mapstructure:"RECONNECT_GRACE_PERIOD_MS"`
	AlertLoopIntervalMs    int `mapstructure:"ALERT_LOOP_INTERVAL_MS"`
	AlertLoopMax           int `mapstructure:"ALERT_LOOP_MAX"`
	LogRetentionDays       int `mapstructure:"LOG_RETENTION_DAYS"`
	DeviceFailureThreshold int `mapstructure:"DEVICE_FAILURE_THRESHOLD"`

	RateLimitStatus RateLimitClass `mapstructure:"RATE_LIMIT_STATUS"`
	RateLimitLog    RateLimitClass `mapstructure:"RATE_LIMIT_LOG"`
	RateLimitNotify RateLimitClass `mapstructure:"RATE_LIMIT_NOTIFY"`
	RateLimitAlert  RateLimitClass `mapstructure:"RATE_LIMIT_ALERT"`

	PushRequestTimeoutMs int    `mapstructure:"PUSH_REQUEST_TIMEOUT_MS"`
	PushServiceURL       string `mapstructure:"PUSH_SERVICE_URL"`
	PushServiceAPIKey    string `mapstructure:"PUSH_SERVICE_API_KEY"`

	// LegacyUserTokenEnabled gates acceptance of the old long-form user
	// token alongside the current short 6-character form. See
	// internal/featureflags for the rollout knob.
	LegacyUserTokenEnabled bool `mapstructure:"LEGACY_USER_TOKEN_ENABLED"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	// We intentionally ignore this error as the config file may not exist yet
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	// Set default values for development
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "pulserelay")
	viper.SetDefault("DB_READ_HOST", "")
	viper.SetDefault("DB_READ_PORT", "5432")
	viper.SetDefault("DB_READ_USER", "user")
	viper.SetDefault("DB_READ_PASSWORD", "password")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_SCHEMA_MODE", "sql")
	viper.SetDefault("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE", false)
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 5)
	viper.SetDefault("DB_PREFLIGHT_TIMEOUT_MS", 3000)
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("OTEL_SERVICE_NAME", "pulserelay-api")
	viper.SetDefault("OTEL_TRACES_SAMPLER_RATIO", 1.0)
	viper.SetDefault("ENABLE_PROXY_HEADER", false)

	viper.SetDefault("HEARTBEAT_TIMEOUT_MS", 30000)
	viper.SetDefault("RECONNECT_GRACE_PERIOD_MS", 5000)
	viper.SetDefault("ALERT_LOOP_INTERVAL_MS", 10000)
	viper.SetDefault("ALERT_LOOP_MAX", 30)
	viper.SetDefault("LOG_RETENTION_DAYS", 7)
	viper.SetDefault("DEVICE_FAILURE_THRESHOLD", 3)

	viper.SetDefault("RATE_LIMIT_STATUS.MAX", 6)
	viper.SetDefault("RATE_LIMIT_STATUS.WINDOW_MS", 60000)
	viper.SetDefault("RATE_LIMIT_LOG.MAX", 30)
	viper.SetDefault("RATE_LIMIT_LOG.WINDOW_MS", 60000)
	viper.SetDefault("RATE_LIMIT_NOTIFY.MAX", 5)
	viper.SetDefault("RATE_LIMIT_NOTIFY.WINDOW_MS", 60000)
	viper.SetDefault("RATE_LIMIT_ALERT.MAX", 5)
	viper.SetDefault("RATE_LIMIT_ALERT.WINDOW_MS", 60000)

	viper.SetDefault("PUSH_REQUEST_TIMEOUT_MS", 5000)
	viper.SetDefault("PUSH_SERVICE_URL", "")
	viper.SetDefault("PUSH_SERVICE_API_KEY", "")
	viper.SetDefault("LEGACY_USER_TOKEN_ENABLED", false)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.DBSchemaMode == "" {
		c.DBSchemaMode = "sql"
	}
	mode := strings.ToLower(strings.TrimSpace(c.DBSchemaMode))
	switch mode {
	case "hybrid", "sql", "auto":
	default:
		return fmt.Errorf("DB_SCHEMA_MODE must be one of hybrid|sql|auto, got %q", c.DBSchemaMode)
	}
	c.DBSchemaMode = mode

	if c.DBMaxOpenConns < 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be >= 0")
	}
	if c.DBMaxIdleConns < 0 {
		return errors.New("DB_MAX_IDLE_CONNS must be >= 0")
	}
	if c.DBConnMaxLifetimeMinutes < 0 {
		return errors.New("DB_CONN_MAX_LIFETIME_MINUTES must be >= 0")
	}
	if c.DBMaxOpenConns > 0 && c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	if c.HeartbeatTimeoutMs <= 0 {
		return errors.New("HEARTBEAT_TIMEOUT_MS must be greater than 0")
	}
	if c.ReconnectGracePeriodMs < 0 {
		return errors.New("RECONNECT_GRACE_PERIOD_MS must be >= 0")
	}
	if c.AlertLoopIntervalMs <= 0 {
		return errors.New("ALERT_LOOP_INTERVAL_MS must be greater than 0")
	}
	if c.AlertLoopMax <= 0 {
		return errors.New("ALERT_LOOP_MAX must be greater than 0")
	}
	if c.LogRetentionDays <= 0 {
		return errors.New("LOG_RETENTION_DAYS must be greater than 0")
	}
	if c.DeviceFailureThreshold <= 0 {
		return errors.New("DEVICE_FAILURE_THRESHOLD must be greater than 0")
	}

	isProduction := c.Env == "production" || c.Env == "prod"

	// DB SSL Mode normalization
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))

	// Strict checks for production
	if isProduction {
		if c.DBConnMaxLifetimeMinutes < 1 {
			return errors.New("DB_CONN_MAX_LIFETIME_MINUTES must be >= 1 in production")
		}
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required in production (cache-aside reads and log shipping depend on it)")
		}
	} else if len(c.JWTSecret) < 32 {
		// Development/Test warnings
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
