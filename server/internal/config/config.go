package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/ingest"
)

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one session alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key
	// together with the patient.
	Name string `yaml:"name"`

	// Condition is a simple expression: "sbp_drop >= 25", "prr < -0.1",
	// "uf_rate_per_kg_label == danger", "worst == danger".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Default values for the server configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultMaxUploadBytes = 8 << 20
	DefaultReportTTL      = 24 * time.Hour
	DefaultNATSSubject    = "bvscope.sessions.evaluated"
	DefaultAuthHeader     = "X-API-Key"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. Other top-level keys (such as `bvcheck:`) are ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// MaxUploadBytes caps the size of one uploaded export.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	Auth       AuthConfig       `yaml:"auth"`
	Reports    ReportsConfig    `yaml:"reports"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	NATS       NATSConfig       `yaml:"nats"`
}

// AuthConfig controls client authentication on the REST API.
type AuthConfig struct {
	// Mode is one of: apikey | jwt | none.
	Mode string `yaml:"mode"`

	// KeyEnv names the environment variable holding the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to X-API-Key.
	Header string `yaml:"header"`

	// SecretEnv names the environment variable holding the HS256 signing
	// secret. Used when Mode == "jwt".
	SecretEnv string `yaml:"secret_env"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Secret returns the JWT signing secret resolved from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// EffectiveHeader returns the configured header name, or DefaultAuthHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// ReportsConfig controls in-memory report retention.
type ReportsConfig struct {
	// TTL is how long an evaluated report stays available after upload.
	TTL time.Duration `yaml:"ttl"`
}

// EvaluationConfig holds the server-wide pipeline defaults. A request may
// still carry its own dry-weight override.
type EvaluationConfig struct {
	Encoding        string `yaml:"encoding"`
	DryWeightPolicy string `yaml:"dry_weight_policy"`
	SBPDropPolicy   string `yaml:"sbp_drop_policy"`
}

// Compute converts the settings into a pipeline configuration carrying the
// given override (nil for none).
func (e EvaluationConfig) Compute(override *float64) compute.Config {
	return compute.Config{
		DryWeightOverride: override,
		DryWeightPolicy:   compute.DryWeightPolicy(e.DryWeightPolicy),
		SBPDropPolicy:     compute.SBPDropPolicy(e.SBPDropPolicy),
	}
}

// NATSConfig configures publication of evaluated sessions. An empty URL
// disables publishing.
type NATSConfig struct {
	URLEnv  string `yaml:"url_env"`
	Subject string `yaml:"subject"`
}

// URL returns the NATS server URL resolved from the environment.
func (n NATSConfig) URL() string {
	if n.URLEnv == "" {
		return ""
	}
	return os.Getenv(n.URLEnv)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with default values. The server runs
// with it when started without a config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       DefaultHTTPPort,
			MaxUploadBytes: DefaultMaxUploadBytes,
			Reports: ReportsConfig{
				TTL: DefaultReportTTL,
			},
			Evaluation: EvaluationConfig{
				Encoding:        string(ingest.DefaultEncoding),
				DryWeightPolicy: string(compute.ColumnFirst),
				SBPDropPolicy:   string(compute.SBPDropStandard),
			},
			NATS: NATSConfig{
				Subject: DefaultNATSSubject,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	switch s.Auth.Mode {
	case "apikey", "jwt", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|jwt|none", s.Auth.Mode)
	}
	if s.Reports.TTL <= 0 {
		return fmt.Errorf("server.reports.ttl must be positive")
	}
	if _, err := ingest.ParseEncoding(s.Evaluation.Encoding); err != nil {
		return fmt.Errorf("server.evaluation.encoding: %w", err)
	}
	if err := s.Evaluation.Compute(nil).Validate(); err != nil {
		return fmt.Errorf("server.evaluation: %w", err)
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" || r.Condition == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name and condition are required", i)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("server.alerts.rules[%d].cooldown must not be negative", i)
		}
	}
	for i, w := range s.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d].type %q unknown: want slack|teams|http", i, w.Type)
		}
	}
	if s.NATS.Subject == "" {
		return fmt.Errorf("server.nats.subject must not be empty")
	}
	return nil
}
