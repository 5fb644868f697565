package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized agent options from spec.md §6. It is loaded
// once at startup and threaded explicitly through every constructor —
// there is no package-level singleton (spec.md §9).
type Config struct {
	AgentID             string        `yaml:"agent_id"`
	AgentAPIKey         string        `yaml:"agent_api_key"`
	ValidatorID         string        `yaml:"validator_id"`
	BackendAPIURL       string        `yaml:"backend_api_url"`
	BeaconNodeURL       string        `yaml:"beacon_node_url"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	HealthCheckRetries  int           `yaml:"health_check_retries"`
	P2PEnabled          bool          `yaml:"p2p_enabled"`
	P2PPort             int           `yaml:"p2p_port"`
	P2PDiscoveryInterval time.Duration `yaml:"p2p_discovery_interval"`
	P2PBootstrapPeers   []string      `yaml:"p2p_bootstrap_peers"`
	ConsensusThreshold  int           `yaml:"consensus_threshold"`
	ConsensusTimeout    time.Duration `yaml:"consensus_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxRetries          int           `yaml:"max_retries"`

	// ReportSigningSecret, when set, causes the Reporter to attach an
	// HMAC-SHA256 signature of the report body (see SPEC_FULL.md §4.4).
	// The collector does not currently verify it.
	ReportSigningSecret string `yaml:"report_signing_secret"`

	// MetricsEnabled exposes a Prometheus /metrics endpoint on the agent.
	// Off by default; the collector always exposes metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// LoadConfig loads configuration from an optional YAML file
// (AGENT_CONFIG_FILE) and overlays environment variables, following the
// same file-then-env precedence as the reference alerting service's
// LoadConfig.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BackendAPIURL:        "http://localhost:3001",
		BeaconNodeURL:        "http://localhost:5052",
		HealthCheckInterval:  30 * time.Second,
		HealthCheckTimeout:   10 * time.Second,
		HealthCheckRetries:   3,
		P2PEnabled:           false,
		P2PPort:              3003,
		P2PDiscoveryInterval: 60 * time.Second,
		ConsensusThreshold:   2,
		ConsensusTimeout:     120 * time.Second,
		RequestTimeout:       10 * time.Second,
		MaxRetries:           3,
		MetricsPort:          9100,
	}

	if configFile := os.Getenv("AGENT_CONFIG_FILE"); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("AGENT_API_KEY"); v != "" {
		cfg.AgentAPIKey = v
	}
	if v := os.Getenv("VALIDATOR_ID"); v != "" {
		cfg.ValidatorID = v
	}
	if v := os.Getenv("BACKEND_API_URL"); v != "" {
		cfg.BackendAPIURL = v
	}
	if v := os.Getenv("BEACON_NODE_URL"); v != "" {
		cfg.BeaconNodeURL = v
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HEALTH_CHECK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HEALTH_CHECK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckRetries = n
		}
	}
	if v := os.Getenv("P2P_ENABLED"); v != "" {
		cfg.P2PEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("P2P_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.P2PPort = p
		}
	}
	if v := os.Getenv("P2P_BOOTSTRAP_PEERS"); v != "" {
		cfg.P2PBootstrapPeers = strings.Split(v, ",")
	}
	if v := os.Getenv("CONSENSUS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConsensusThreshold = n
		}
	}
	if v := os.Getenv("CONSENSUS_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ConsensusTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("REPORT_SIGNING_SECRET"); v != "" {
		cfg.ReportSigningSecret = v
	}

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	if cfg.AgentAPIKey == "" {
		return nil, fmt.Errorf("agentApiKey is required")
	}
	if cfg.ValidatorID == "" {
		return nil, fmt.Errorf("validatorId is required")
	}
	if cfg.P2PPort < 1024 || cfg.P2PPort > 65535 {
		return nil, fmt.Errorf("p2pPort must be between 1024 and 65535, got %d", cfg.P2PPort)
	}

	return cfg, nil
}
