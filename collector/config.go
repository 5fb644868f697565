package collector

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds collector configuration: HTTP server, storage, and the
// aggregator's timing parameters.
type Config struct {
	HTTPPort    int    `yaml:"http_port"`
	Environment string `yaml:"environment"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	ConsensusThreshold int           `yaml:"consensus_threshold"`
	WindowAgeLimit     time.Duration `yaml:"window_age_limit"`
	AgingSweepInterval time.Duration `yaml:"aging_sweep_interval"`

	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// LoadConfig loads configuration from an optional YAML file
// (COLLECTOR_CONFIG_FILE) and overlays environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPPort:           3001,
		Environment:        "development",
		ConsensusThreshold: 2,
		WindowAgeLimit:     10 * time.Minute,
		AgingSweepInterval: 5 * time.Minute,
		WebhookTimeout:     10 * time.Second,
		CORSAllowOrigins:   []string{"*"},
	}

	if configFile := os.Getenv("COLLECTOR_CONFIG_FILE"); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}

	if port := os.Getenv("COLLECTOR_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	if threshold := os.Getenv("CONSENSUS_THRESHOLD"); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil {
			cfg.ConsensusThreshold = t
		}
	}

	if limit := os.Getenv("WINDOW_AGE_LIMIT_MS"); limit != "" {
		if ms, err := strconv.Atoi(limit); err == nil {
			cfg.WindowAgeLimit = time.Duration(ms) * time.Millisecond
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}
