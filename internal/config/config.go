/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backends for fanning engine events out to other replicas.
const (
	EventBusMemory = "memory"
	EventBusRedis  = "redis"
	EventBusNATS   = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MediaRoot     string
	MaxUploadMB   int

	// Transport
	FFmpegBin          string
	RTMPBaseURL        string
	MultistreamTargets []string // extra RTMP bases fed when a job has multistream set
	StopGrace          time.Duration

	// Engine timing and failure policy
	TickInterval           time.Duration
	WatchdogBuffer         time.Duration
	MaxConsecutiveFailures int
	MissedGrace            time.Duration
	UnknownDurationLimit   time.Duration // watchdog for playlist items without a known duration

	// S3 Object Storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO
	PresignTTL        time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string
	EventBus              string
	NATSURL               string

	// Notifications
	WebhookURL           string
	WebhookSecret        string
	WebhookRatePerSec    int
	HousekeepingSchedule string
	WebhookLogRetention  time.Duration
}

// Load reads an optional .env file and environment variables, applies defaults, and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:   getEnvAny([]string{"AIRWAVE_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"AIRWAVE_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"AIRWAVE_HTTP_PORT", "PORT"}, 8080),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"AIRWAVE_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"AIRWAVE_DB_DSN", "DATABASE_URL"}, ""),
		JWTSigningKey: getEnvAny([]string{"AIRWAVE_JWT_SIGNING_KEY", "JWT_SECRET"}, ""),
		MediaRoot:     getEnvAny([]string{"AIRWAVE_MEDIA_ROOT"}, "./media"),
		MaxUploadMB:   getEnvIntAny([]string{"AIRWAVE_MAX_UPLOAD_MB"}, 2048),

		FFmpegBin:          getEnvAny([]string{"AIRWAVE_FFMPEG_BIN", "FFMPEG_PATH"}, "ffmpeg"),
		RTMPBaseURL:        strings.TrimRight(getEnvAny([]string{"AIRWAVE_RTMP_BASE_URL"}, "rtmp://localhost:1935/live"), "/"),
		MultistreamTargets: splitList(getEnvAny([]string{"AIRWAVE_MULTISTREAM_TARGETS"}, "")),
		StopGrace:          seconds(getEnvIntAny([]string{"AIRWAVE_STOP_GRACE_SECONDS"}, 5)),

		TickInterval:           seconds(getEnvIntAny([]string{"AIRWAVE_TICK_INTERVAL_SECONDS"}, 1)),
		WatchdogBuffer:         seconds(getEnvIntAny([]string{"AIRWAVE_WATCHDOG_BUFFER_SECONDS"}, 2)),
		MaxConsecutiveFailures: getEnvIntAny([]string{"AIRWAVE_MAX_CONSECUTIVE_FAILURES"}, 3),
		MissedGrace:            seconds(getEnvIntAny([]string{"AIRWAVE_MISSED_GRACE_SECONDS"}, 60)),
		UnknownDurationLimit:   seconds(getEnvIntAny([]string{"AIRWAVE_UNKNOWN_DURATION_LIMIT_SECONDS"}, 4*60*60)),

		S3AccessKeyID:     getEnvAny([]string{"AIRWAVE_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"AIRWAVE_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"AIRWAVE_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"AIRWAVE_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"AIRWAVE_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"AIRWAVE_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),
		PresignTTL:        time.Duration(getEnvIntAny([]string{"AIRWAVE_PRESIGN_TTL_MINUTES"}, 360)) * time.Minute,

		TracingEnabled:    getEnvBoolAny([]string{"AIRWAVE_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"AIRWAVE_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"AIRWAVE_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"AIRWAVE_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"AIRWAVE_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"AIRWAVE_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"AIRWAVE_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"AIRWAVE_INSTANCE_ID", "HOSTNAME"}, ""),
		EventBus:              strings.ToLower(getEnvAny([]string{"AIRWAVE_EVENT_BUS"}, EventBusMemory)),
		NATSURL:               getEnvAny([]string{"AIRWAVE_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		WebhookURL:           getEnvAny([]string{"AIRWAVE_WEBHOOK_URL", "RESTREAM_WEBHOOK_URL"}, ""),
		WebhookSecret:        getEnvAny([]string{"AIRWAVE_WEBHOOK_SECRET"}, ""),
		WebhookRatePerSec:    getEnvIntAny([]string{"AIRWAVE_WEBHOOK_RATE_PER_SEC"}, 5),
		HousekeepingSchedule: getEnvAny([]string{"AIRWAVE_HOUSEKEEPING_SCHEDULE"}, "@hourly"),
		WebhookLogRetention:  time.Duration(getEnvIntAny([]string{"AIRWAVE_WEBHOOK_LOG_RETENTION_DAYS"}, 14)) * 24 * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("AIRWAVE_DB_DSN or DATABASE_URL must be provided")
	}
	if c.JWTSigningKey == "" {
		return fmt.Errorf("AIRWAVE_JWT_SIGNING_KEY or JWT_SECRET must be provided")
	}
	if c.FFmpegBin == "" {
		return fmt.Errorf("AIRWAVE_FFMPEG_BIN must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("AIRWAVE_TICK_INTERVAL_SECONDS must be positive")
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("AIRWAVE_MAX_CONSECUTIVE_FAILURES must be positive")
	}
	switch c.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return fmt.Errorf("unsupported event bus %q", c.EventBus)
	}
	if strings.EqualFold(c.Environment, "production") && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("AIRWAVE_JWT_SIGNING_KEY must be at least 32 characters in production")
	}
	return nil
}

// loadDotEnv loads the given files, or ./.env, into the process environment.
// Existing variables win. A missing default file is not an error.
func loadDotEnv(files ...string) error {
	explicit := len(files) > 0
	if !explicit {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.TrimRight(part, "/"))
		}
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
