package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the entire zerogate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	Session SessionConfig `yaml:"session"`
	Risk    RiskConfig    `yaml:"risk"`
	Policy  PolicyConfig  `yaml:"policy"`
	Threat  ThreatConfig  `yaml:"threat"`
	AuthLog AuthLogConfig `yaml:"authlog"`
	Alerts  AlertConfig   `yaml:"alerts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	JWTSecret   string   `yaml:"jwt_secret"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// SessionConfig holds session registry settings.
type SessionConfig struct {
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
	SweepSeconds   int `yaml:"sweep_seconds"`
	MaxContexts    int `yaml:"max_contexts"`
}

// RiskConfig holds risk scoring settings.
type RiskConfig struct {
	CacheTTLSeconds   int      `yaml:"cache_ttl_seconds"`
	KnownBadIPs       []string `yaml:"known_bad_ips"`
	AdminPathPrefixes []string `yaml:"admin_path_prefixes"`
	WorkdayStartHour  int      `yaml:"workday_start_hour"`
	WorkdayEndHour    int      `yaml:"workday_end_hour"`
}

// PolicyConfig holds the declarative policy set. Policies are data, not
// code — operators add, remove, and reorder them here without touching the
// evaluation engine.
type PolicyConfig struct {
	Policies []PolicyYAML `yaml:"policies"`
}

// PolicyYAML is the YAML-friendly form of a security policy. It is converted
// to the engine's internal types at load time.
type PolicyYAML struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Priority    int             `yaml:"priority"`
	Enabled     bool            `yaml:"enabled"`
	Conditions  []ConditionYAML `yaml:"conditions"`
	Actions     []ActionYAML    `yaml:"actions"`
}

// ConditionYAML is the YAML-friendly form of a policy condition.
type ConditionYAML struct {
	Type     string          `yaml:"type"`
	Operator string          `yaml:"operator"`
	Number   int             `yaml:"number"`
	Flag     bool            `yaml:"flag"`
	Text     string          `yaml:"text"`
	Window   *TimeWindowYAML `yaml:"window"`
}

// TimeWindowYAML is a {start,end} local-time band in "HH:MM" form.
type TimeWindowYAML struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ActionYAML is the YAML-friendly form of a policy action.
type ActionYAML struct {
	Type       string            `yaml:"type"`
	Parameters map[string]string `yaml:"parameters"`
}

// ThreatConfig holds threat detection monitor settings.
type ThreatConfig struct {
	BruteForceIntervalSeconds int `yaml:"brute_force_interval_seconds"`
	BruteForceWindowSeconds   int `yaml:"brute_force_window_seconds"`
	BruteForceThreshold       int `yaml:"brute_force_threshold"`
	BlockSeconds              int `yaml:"block_seconds"`
	AnomalyIntervalSeconds    int `yaml:"anomaly_interval_seconds"`
	AnomalyContextThreshold   int `yaml:"anomaly_context_threshold"`
}

// AuthLogConfig holds authentication-failure log settings. Backend is
// "memory" for single-instance deployments or "redis" when failure counters
// must be shared across instances.
type AuthLogConfig struct {
	Backend       string `yaml:"backend"`
	WindowSeconds int    `yaml:"window_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AlertConfig holds security-team notification settings.
type AlertConfig struct {
	WebhookURLs   []string `yaml:"webhook_urls"`
	EnableConsole bool     `yaml:"enable_console"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1820,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Session: SessionConfig{
			IdleTTLMinutes: 24 * 60,
			SweepSeconds:   300,
			MaxContexts:    100000,
		},
		Risk: RiskConfig{
			CacheTTLSeconds:   300,
			AdminPathPrefixes: []string{"/admin"},
			WorkdayStartHour:  8,
			WorkdayEndHour:    18,
		},
		Policy: PolicyConfig{
			Policies: []PolicyYAML{
				{
					ID:          "deny-critical-risk",
					Name:        "Deny critical risk",
					Description: "Block requests whose session risk exceeds the critical threshold",
					Priority:    10,
					Enabled:     true,
					Conditions: []ConditionYAML{
						{Type: "RISK_SCORE", Operator: "GREATER_THAN", Number: 90},
					},
					Actions: []ActionYAML{{Type: "DENY"}},
				},
				{
					ID:          "stepup-high-risk",
					Name:        "Step up on high risk",
					Description: "Require MFA when session risk exceeds the high threshold",
					Priority:    20,
					Enabled:     true,
					Conditions: []ConditionYAML{
						{Type: "RISK_SCORE", Operator: "GREATER_THAN", Number: 70},
					},
					Actions: []ActionYAML{{Type: "REQUIRE_MFA"}},
				},
				{
					ID:          "log-external",
					Name:        "Log untrusted networks",
					Description: "Record requests arriving from outside the trusted ranges",
					Priority:    100,
					Enabled:     true,
					Conditions: []ConditionYAML{
						{Type: "IP_RANGE", Operator: "NOT_EQUALS", Text: "TRUSTED_RANGES"},
					},
					Actions: []ActionYAML{{Type: "LOG_ONLY"}},
				},
			},
		},
		Threat: ThreatConfig{
			BruteForceIntervalSeconds: 60,
			BruteForceWindowSeconds:   60,
			BruteForceThreshold:       10,
			BlockSeconds:              3600,
			AnomalyIntervalSeconds:    300,
			AnomalyContextThreshold:   5,
		},
		AuthLog: AuthLogConfig{
			Backend:       "memory",
			WindowSeconds: 60,
		},
		Alerts: AlertConfig{
			EnableConsole: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		applyEnv(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv fills secrets from the environment when the config file leaves
// them empty.
func applyEnv(cfg *Config) {
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("ZEROGATE_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = os.Getenv("ZEROGATE_JWT_SECRET")
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
