package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Policy   PolicyConfig   `yaml:"policy"`
	Broker   BrokerConfig   `yaml:"broker"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// Per-client HTTP rate limit (token bucket), independent of the
	// broker's per-sender window.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// PolicyConfig is the process-wide security policy. Loaded once at startup
// and treated as immutable for the process lifetime.
type PolicyConfig struct {
	DenyKeywords     []string            `yaml:"deny_keywords"`
	RolePermissions  map[string][]string `yaml:"role_permissions"`
	AnomalyThreshold float64             `yaml:"anomaly_threshold"`
}

type BrokerConfig struct {
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
	RateLimitMaxRequests   int `yaml:"rate_limit_max_requests"`
}

type SecurityConfig struct {
	// Freshness window for envelope signatures (replay protection).
	FreshnessWindowMinutes int `yaml:"freshness_window_minutes"`

	// API key ID → role map. Values carry bcrypt hashes of the key secret;
	// the role is resolved at the front door, never trusted from the body.
	APIKeys map[string]APIKeyEntry `yaml:"api_keys"`
}

type APIKeyEntry struct {
	Role    string `yaml:"role"`
	KeyHash string `yaml:"key_hash"`
}

type AuditConfig struct {
	LogPath   string `yaml:"log_path"`
	MaxRecent int    `yaml:"max_recent"`
}

// Default returns the configuration the demo ships with. Mirrors the
// governance policy baked into the reference deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			Env:               "dev",
			RequestsPerMinute: 120,
			BurstSize:         30,
		},
		Policy: PolicyConfig{
			DenyKeywords: []string{"system_shutdown", "file_write", "transfer_all_funds"},
			RolePermissions: map[string][]string{
				"admin":    {"review", "issue_reimbursement", "upload_policy", "submit_task", "retrieve"},
				"employee": {"submit_task", "retrieve"},
			},
			AnomalyThreshold: 5000.00,
		},
		Broker: BrokerConfig{
			RateLimitWindowSeconds: 60,
			RateLimitMaxRequests:   100,
		},
		Security: SecurityConfig{
			FreshnessWindowMinutes: 5,
		},
		Audit: AuditConfig{
			LogPath:   "./logs/events.jsonl",
			MaxRecent: 1000,
		},
	}
}

// Load reads a YAML config file, filling any unset section from Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = d.Server.RequestsPerMinute
	}
	if c.Server.BurstSize == 0 {
		c.Server.BurstSize = d.Server.BurstSize
	}
	if len(c.Policy.DenyKeywords) == 0 {
		c.Policy.DenyKeywords = d.Policy.DenyKeywords
	}
	if len(c.Policy.RolePermissions) == 0 {
		c.Policy.RolePermissions = d.Policy.RolePermissions
	}
	if c.Policy.AnomalyThreshold == 0 {
		c.Policy.AnomalyThreshold = d.Policy.AnomalyThreshold
	}
	if c.Broker.RateLimitWindowSeconds == 0 {
		c.Broker.RateLimitWindowSeconds = d.Broker.RateLimitWindowSeconds
	}
	if c.Broker.RateLimitMaxRequests == 0 {
		c.Broker.RateLimitMaxRequests = d.Broker.RateLimitMaxRequests
	}
	if c.Security.FreshnessWindowMinutes == 0 {
		c.Security.FreshnessWindowMinutes = d.Security.FreshnessWindowMinutes
	}
	if c.Audit.LogPath == "" {
		c.Audit.LogPath = d.Audit.LogPath
	}
	if c.Audit.MaxRecent == 0 {
		c.Audit.MaxRecent = d.Audit.MaxRecent
	}
}

// FreshnessWindow returns the replay-protection window as a duration.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Security.FreshnessWindowMinutes) * time.Minute
}

// RateLimitWindow returns the broker's sliding window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Broker.RateLimitWindowSeconds) * time.Second
}
