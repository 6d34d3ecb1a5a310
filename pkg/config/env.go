package config

import (
	"fmt"
	"strconv"
	"time"
)

// ApplyEnv overrides c from SENTINEL_* variables read through getenv.
// Unset or empty variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var err error
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" && err == nil {
			var n int
			if n, err = strconv.Atoi(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" && err == nil {
			var b bool
			if b, err = strconv.ParseBool(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" && err == nil {
			var d time.Duration
			if d, err = time.ParseDuration(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = d
		}
	}

	str("SENTINEL_LOG_LEVEL", &c.LogLevel)
	str("SENTINEL_LOG_FORMAT", &c.LogFormat)
	integer("SENTINEL_MIN_QUADRANTS", &c.Auth.MinQuadrants)
	str("SENTINEL_JWT_SECRET", &c.Auth.JWTSecret)
	str("SENTINEL_SEAL_KEY", &c.Auth.SealKey)
	duration("SENTINEL_PIPELINE_TIMEOUT", &c.Pipeline.Timeout)
	boolean("SENTINEL_HEARTBEAT_ENABLED", &c.Heartbeat.Enabled)
	duration("SENTINEL_HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	str("SENTINEL_KEY_SEED", &c.Heartbeat.KeySeed)
	str("SENTINEL_AUDIT_SINK", &c.Audit.Sink)
	str("SENTINEL_AUDIT_PATH", &c.Audit.Path)
	str("SENTINEL_AUDIT_DSN", &c.Audit.DSN)
	str("SENTINEL_REDIS_ADDR", &c.Audit.RedisAddr)
	str("SENTINEL_POLICY_DIR", &c.Policy.Dir)
	boolean("SENTINEL_POLICY_WATCH", &c.Policy.Watch)
	if v := getenv("SENTINEL_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	return err
}
