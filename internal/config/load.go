// Package config: reviewd의 환경 변수 기반 설정 로딩을 담당한다.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotenvIfPresent: 주어진 경로에 .env 파일이 존재하면 로드합니다.
func LoadDotenvIfPresent(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		_, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat dotenv file failed path=%s: %w", path, err)
		}

		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load dotenv file failed path=%s: %w", path, err)
		}
	}

	return nil
}

// Load: 환경 변수에서 전체 설정을 읽어 검증 후 반환합니다.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Addr = StringFromEnv("SERVER_ADDR", ":8320")

	var err error
	if cfg.Server.ReadHeaderTimeout, err = DurationSecondsFromEnv("SERVER_READ_HEADER_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.Server.IdleTimeout, err = DurationSecondsFromEnv("SERVER_IDLE_TIMEOUT_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.Server.ShutdownTimeout, err = DurationSecondsFromEnv("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 15); err != nil {
		return nil, err
	}

	cfg.Log.Level = StringFromEnv("LOG_LEVEL", "info")
	cfg.Log.Dir = StringFromEnv("LOG_DIR", "")
	if cfg.Log.MaxSizeMB, err = IntFromEnv("LOG_MAX_SIZE_MB", 50); err != nil {
		return nil, err
	}
	if cfg.Log.MaxBackups, err = IntFromEnv("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}
	if cfg.Log.MaxAgeDays, err = IntFromEnv("LOG_MAX_AGE_DAYS", 14); err != nil {
		return nil, err
	}
	if cfg.Log.Compress, err = BoolFromEnv("LOG_COMPRESS", true); err != nil {
		return nil, err
	}

	cfg.Valkey.Host = StringFromEnv("VALKEY_HOST", "localhost")
	if cfg.Valkey.Port, err = IntFromEnv("VALKEY_PORT", 6379); err != nil {
		return nil, err
	}
	cfg.Valkey.Password = StringFromEnv("VALKEY_PASSWORD", "")
	if cfg.Valkey.DB, err = IntFromEnv("VALKEY_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Valkey.DialTimeout, err = DurationSecondsFromEnv("VALKEY_DIAL_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.Valkey.DisableCache, err = BoolFromEnv("VALKEY_DISABLE_CLIENT_CACHE", false); err != nil {
		return nil, err
	}

	cfg.Queue.Stream = StringFromEnv("QUEUE_STREAM", "review:jobs")
	cfg.Queue.DeadStream = StringFromEnv("QUEUE_DEAD_STREAM", "review:jobs:dead")
	cfg.Queue.Group = StringFromEnv("QUEUE_GROUP", "review-workers")
	cfg.Queue.ConsumerName = StringFromEnv("QUEUE_CONSUMER_NAME", defaultConsumerName())
	if cfg.Queue.BatchSize, err = Int64FromEnv("QUEUE_BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.Queue.Block, err = DurationMillisFromEnv("QUEUE_BLOCK_MILLIS", 5000); err != nil {
		return nil, err
	}
	if cfg.Queue.Concurrency, err = IntFromEnv("QUEUE_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.Queue.MaxLen, err = Int64FromEnv("QUEUE_MAX_LEN", 10000); err != nil {
		return nil, err
	}
	if cfg.Queue.MaxAttempts, err = IntFromEnv("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Queue.DeadMaxAttempts, err = IntFromEnv("QUEUE_DEAD_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Queue.ClaimMinIdle, err = DurationMillisFromEnv("QUEUE_CLAIM_MIN_IDLE_MILLIS", 60_000); err != nil {
		return nil, err
	}

	if cfg.Review.CacheTTL, err = DurationSecondsFromEnv("REVIEW_CACHE_TTL_SECONDS", 24*60*60); err != nil {
		return nil, err
	}
	if cfg.Review.ResultTTL, err = DurationSecondsFromEnv("REVIEW_RESULT_TTL_SECONDS", 7*24*60*60); err != nil {
		return nil, err
	}
	if cfg.Review.StatusTTL, err = DurationSecondsFromEnv("REVIEW_STATUS_TTL_SECONDS", 7*24*60*60); err != nil {
		return nil, err
	}
	if cfg.Review.BudgetUSD, err = Float64FromEnv("REVIEW_BUDGET_USD", 100.0); err != nil {
		return nil, err
	}

	cfg.Reviewer.BaseURL = StringFromEnv("REVIEWER_BASE_URL", "http://localhost:8451")
	cfg.Reviewer.APIKey = StringFromEnv("REVIEWER_API_KEY", "")
	if cfg.Reviewer.Timeout, err = DurationSecondsFromEnv("REVIEWER_TIMEOUT_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.Reviewer.ConnectTimeout, err = DurationSecondsFromEnv("REVIEWER_CONNECT_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.Reviewer.HTTP2Enabled, err = BoolFromEnv("REVIEWER_HTTP2_ENABLED", false); err != nil {
		return nil, err
	}

	cfg.Alert.WebhookURL = StringFromEnv("ALERT_WEBHOOK_URL", "")
	if cfg.Alert.Timeout, err = DurationSecondsFromEnv("ALERT_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}

	if cfg.Archive.Enabled, err = BoolFromEnv("ARCHIVE_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Archive.Host = StringFromEnv("ARCHIVE_DB_HOST", "localhost")
	if cfg.Archive.Port, err = IntFromEnv("ARCHIVE_DB_PORT", 5432); err != nil {
		return nil, err
	}
	cfg.Archive.User = StringFromEnv("ARCHIVE_DB_USER", "review")
	cfg.Archive.Password = StringFromEnv("ARCHIVE_DB_PASSWORD", "")
	cfg.Archive.Name = StringFromEnv("ARCHIVE_DB_NAME", "review_usage")
	if cfg.Archive.FlushInterval, err = DurationSecondsFromEnv("ARCHIVE_FLUSH_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.Archive.FlushTimeout, err = DurationSecondsFromEnv("ARCHIVE_FLUSH_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled, err = BoolFromEnv("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Telemetry.OTLPEndpoint = StringFromEnv("OTEL_OTLP_ENDPOINT", "localhost:4317")
	if cfg.Telemetry.OTLPInsecure, err = BoolFromEnv("OTEL_OTLP_INSECURE", true); err != nil {
		return nil, err
	}
	if cfg.Telemetry.SampleRate, err = Float64FromEnv("OTEL_SAMPLE_RATE", 1.0); err != nil {
		return nil, err
	}
	cfg.Telemetry.Environment = StringFromEnv("OTEL_ENVIRONMENT", "dev")

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Queue.Stream) == "" || strings.TrimSpace(cfg.Queue.DeadStream) == "" {
		return errors.New("queue stream names must not be empty")
	}
	if cfg.Queue.Stream == cfg.Queue.DeadStream {
		return errors.New("primary and dead-letter streams must differ")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Review.BudgetUSD < 0 {
		return fmt.Errorf("review budget must not be negative, got %f", cfg.Review.BudgetUSD)
	}
	return nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "reviewd"
	}
	return "reviewd-" + host
}
