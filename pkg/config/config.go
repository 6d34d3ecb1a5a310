// Package config loads process configuration from an optional YAML file
// and SENTINEL_* environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Audit sink kinds.
const (
	SinkMemory   = "memory"
	SinkJSONL    = "jsonl"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
)

var ErrInvalid = errors.New("config: invalid")

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://sentinel.schemas.local/config.schema.json"

// Config holds process configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Restraint RestraintConfig `yaml:"restraint"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Audit     AuditConfig     `yaml:"audit"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type AuthConfig struct {
	MinQuadrants int `yaml:"min_quadrants"`
	// AttemptRate is per quadrant, per second, shared by every caller.
	// Zero (the default) disables limiting.
	AttemptRate  float64 `yaml:"attempt_rate"`
	AttemptBurst int     `yaml:"attempt_burst"`
	// JWTSecret enables JWT verification of credential payloads.
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
	// SealKey is a hex-encoded 32-byte key for sealing audited checksums.
	SealKey string `yaml:"seal_key"`
}

type PipelineConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	AnalyzerTimeout      time.Duration `yaml:"analyzer_timeout"`
	MaxInputRunes        int           `yaml:"max_input_runes"`
	MaxGuardrailFailures int           `yaml:"max_guardrail_failures"`
}

type RestraintConfig struct {
	MonitoredAt           float64  `yaml:"monitored_at"`
	LimitedAt             float64  `yaml:"limited_at"`
	BlockedAt             float64  `yaml:"blocked_at"`
	HistorySize           int      `yaml:"history_size"`
	SensitiveCapabilities []string `yaml:"sensitive_capabilities"`
}

type HeartbeatConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Window     time.Duration `yaml:"window"`
	MaxEntries int           `yaml:"max_entries"`
	// KeySeed is a hex-encoded 32-byte seed the signing key is derived
	// from. Empty means a fresh key per process.
	KeySeed string `yaml:"key_seed"`
}

type AuditConfig struct {
	Sink        string `yaml:"sink"`
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisKey    string `yaml:"redis_key"`
	RedisMaxLen int64  `yaml:"redis_max_len"`
}

type PolicyConfig struct {
	// Dir holds codex.json and doctrine.json. Empty uses embedded defaults.
	Dir            string `yaml:"dir"`
	Watch          bool   `yaml:"watch"`
	CodexDigest    string `yaml:"codex_digest"`
	DoctrineDigest string `yaml:"doctrine_digest"`
}

type TelemetryConfig struct {
	Enabled    bool      `yaml:"enabled"`
	Endpoint   string    `yaml:"endpoint"`
	Insecure   bool      `yaml:"insecure"`
	SampleRate float64   `yaml:"sample_rate"`
	SLO        SLOConfig `yaml:"slo"`
}

// SLOConfig sets the per-stage objectives reported by the status command.
// A blocked request counts against MinPassRate, so the floor is a pass rate
// below which an operator should look at traffic or policy, not an error
// budget for the process itself.
type SLOConfig struct {
	LatencyP99  time.Duration `yaml:"latency_p99"`
	MinPassRate float64       `yaml:"min_pass_rate"`
	Window      time.Duration `yaml:"window"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Auth: AuthConfig{
			MinQuadrants: 2,
			AttemptBurst: 10,
		},
		Pipeline: PipelineConfig{
			Timeout:              10 * time.Second,
			AnalyzerTimeout:      2 * time.Second,
			MaxInputRunes:        10000,
			MaxGuardrailFailures: 2,
		},
		Restraint: RestraintConfig{
			MonitoredAt: 40,
			LimitedAt:   60,
			BlockedAt:   80,
			HistorySize: 100,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:    true,
			Interval:   10 * time.Second,
			Window:     120 * time.Second,
			MaxEntries: 720,
		},
		Audit: AuditConfig{
			Sink:     SinkMemory,
			RedisKey: "sentinel:audit",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
			SLO: SLOConfig{
				LatencyP99:  time.Second,
				MinPassRate: 0.5,
				Window:      time.Hour,
			},
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path when path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults. The document is checked against
// the embedded schema first, so unknown keys and out-of-range values are
// rejected before decoding.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse is LoadFile over in-memory YAML.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func validateSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees JSON value types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Auth.MinQuadrants < 1 || c.Auth.MinQuadrants > 4 {
		bad("auth.min_quadrants must be between 1 and 4, got %d", c.Auth.MinQuadrants)
	}
	if c.Pipeline.Timeout <= 0 {
		bad("pipeline.timeout must be positive")
	}
	if c.Pipeline.AnalyzerTimeout <= 0 {
		bad("pipeline.analyzer_timeout must be positive")
	}
	r := c.Restraint
	if !(r.MonitoredAt <= r.LimitedAt && r.LimitedAt <= r.BlockedAt) {
		bad("restraint thresholds must be ordered monitored <= limited <= blocked")
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			bad("heartbeat.interval must be positive")
		} else if c.Heartbeat.Window < c.Heartbeat.Interval {
			bad("heartbeat.window must be at least one interval")
		}
	}

	switch c.Audit.Sink {
	case SinkMemory:
	case SinkJSONL, SinkSQLite:
		if c.Audit.Path == "" {
			bad("audit.path is required for the %s sink", c.Audit.Sink)
		}
	case SinkPostgres:
		if c.Audit.DSN == "" {
			bad("audit.dsn is required for the postgres sink")
		}
	case SinkRedis:
		if c.Audit.RedisAddr == "" {
			bad("audit.redis_addr is required for the redis sink")
		}
	default:
		bad("unknown audit sink %q", c.Audit.Sink)
	}

	if slo := c.Telemetry.SLO; slo.LatencyP99 <= 0 || slo.Window <= 0 {
		bad("telemetry.slo latency_p99 and window must be positive")
	}

	if c.Policy.Watch && c.Policy.Dir == "" {
		bad("policy.watch requires policy.dir")
	}
	return errors.Join(errs...)
}
