package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/ingest"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultFormat        = "text"
	DefaultUploadTimeout = 10 * time.Second
	DefaultMaxAttempts   = 5
	DefaultBufferSize    = 100
	DefaultPattern       = "*.csv"
	DefaultSettle        = 2 * time.Second
)

// Config is the top-level bvcheck configuration.
// Fields map 1:1 to bvcheck.example.yaml.
type Config struct {
	BVCheck Settings `yaml:"bvcheck"`
}

// Settings holds everything bvcheck needs for one run. Command-line flags
// override the file values.
type Settings struct {
	// Encoding of the source export: shift_jis | utf-8.
	Encoding string `yaml:"encoding"`

	// DryWeightKg is an optional dry-weight override in kg (30–120).
	DryWeightKg *float64 `yaml:"dry_weight_kg"`

	// DryWeightPolicy is column_first | override_first.
	DryWeightPolicy string `yaml:"dry_weight_policy"`

	// SBPDropPolicy is standard | strict.
	SBPDropPolicy string `yaml:"sbp_drop_policy"`

	// Format is the local output format: text | json | prom.
	Format string `yaml:"format"`

	// Patient is an optional identifier attached to uploads.
	Patient string `yaml:"patient"`

	Upload UploadConfig `yaml:"upload"`
	Watch  WatchConfig  `yaml:"watch"`
}

// UploadConfig configures delivery of exports to bvscope-server.
type UploadConfig struct {
	// Endpoint is the server base URL, e.g. http://localhost:8080. Empty
	// disables uploads.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts bounds retries for one-shot uploads.
	MaxAttempts int `yaml:"max_attempts"`

	// BufferSize is the number of pending uploads held in watch mode.
	BufferSize int `yaml:"buffer_size"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig specifies how uploads authenticate to the server.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header carrying the API key (default X-API-Key).
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// WatchConfig configures the inbox directory watched in daemon mode.
type WatchConfig struct {
	// Dir is the directory the dialysis console exports into.
	Dir string `yaml:"dir"`

	// Pattern is a filepath.Match pattern for export files.
	Pattern string `yaml:"pattern"`

	// Settle is how long a file must stay unchanged before it is read.
	Settle time.Duration `yaml:"settle"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with default values. It is what
// bvcheck runs with when no -config file is given.
func Default() *Config {
	return &Config{
		BVCheck: Settings{
			Encoding:        string(ingest.DefaultEncoding),
			DryWeightPolicy: string(compute.ColumnFirst),
			SBPDropPolicy:   string(compute.SBPDropStandard),
			Format:          DefaultFormat,
			Upload: UploadConfig{
				Timeout:     DefaultUploadTimeout,
				MaxAttempts: DefaultMaxAttempts,
				BufferSize:  DefaultBufferSize,
				Auth:        AuthConfig{Header: "X-API-Key"},
			},
			Watch: WatchConfig{
				Pattern: DefaultPattern,
				Settle:  DefaultSettle,
			},
		},
	}
}

// Validate checks enums and structural constraints. It is exported so that
// main can re-check after applying flag overrides.
func Validate(cfg *Config) error {
	s := cfg.BVCheck
	if _, err := ingest.ParseEncoding(s.Encoding); err != nil {
		return fmt.Errorf("bvcheck.encoding: %w", err)
	}
	if err := s.Evaluation().Validate(); err != nil {
		return fmt.Errorf("bvcheck: %w", err)
	}
	switch s.Format {
	case "text", "json", "prom":
	default:
		return fmt.Errorf("bvcheck.format: unknown format %q", s.Format)
	}
	if s.Upload.Timeout <= 0 {
		return fmt.Errorf("bvcheck.upload.timeout must be positive")
	}
	if s.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("bvcheck.upload.max_attempts must be positive")
	}
	if s.Upload.BufferSize <= 0 {
		return fmt.Errorf("bvcheck.upload.buffer_size must be positive")
	}
	switch s.Upload.Auth.Mode {
	case "apikey", "bearer", "none", "":
	default:
		return fmt.Errorf("bvcheck.upload.auth: unknown mode %q", s.Upload.Auth.Mode)
	}
	if s.Watch.Settle < 0 {
		return fmt.Errorf("bvcheck.watch.settle must not be negative")
	}
	return nil
}

// Evaluation converts the settings into the pipeline configuration.
func (s Settings) Evaluation() compute.Config {
	return compute.Config{
		DryWeightOverride: s.DryWeightKg,
		DryWeightPolicy:   compute.DryWeightPolicy(s.DryWeightPolicy),
		SBPDropPolicy:     compute.SBPDropPolicy(s.SBPDropPolicy),
	}
}
