package config

import (
	"fmt"
	"time"
)

// ServerConfig: 상태 폴링/관리용 HTTP 서버 설정입니다.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// LogConfig: 로깅 설정입니다. Dir가 비어 있으면 stdout 전용으로 동작합니다.
type LogConfig struct {
	Level      string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ValkeyConfig: Valkey/Redis 연결 설정입니다.
type ValkeyConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	DisableCache bool
}

// Addr: host:port 형식의 접속 주소를 반환합니다.
func (c ValkeyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig: 리뷰 작업 큐(Valkey Streams) 설정입니다.
type QueueConfig struct {
	Stream       string
	DeadStream   string
	Group        string
	ConsumerName string

	BatchSize   int64
	Block       time.Duration
	Concurrency int
	MaxLen      int64

	// MaxAttempts: 작업이 데드레터로 넘어가기 전까지 허용되는 총 시도 횟수
	MaxAttempts int

	// DeadMaxAttempts: 데드레터 메시지당 허용되는 총 전달 횟수
	DeadMaxAttempts int

	// ClaimMinIdle: pending 메시지를 다른 소비자가 회수하기까지의 최소 유휴 시간
	ClaimMinIdle time.Duration
}

// ReviewConfig: 리뷰 파이프라인 동작 설정입니다.
type ReviewConfig struct {
	CacheTTL  time.Duration
	ResultTTL time.Duration
	StatusTTL time.Duration

	// BudgetUSD: 월간 지출 상한 (예산 경고/초과 판정 기준)
	BudgetUSD float64
}

// ReviewerConfig: 외부 리뷰어 서비스 연결 설정입니다.
type ReviewerConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	HTTP2Enabled   bool
}

// AlertConfig: 크리티컬 알림 웹훅 설정입니다.
type AlertConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// ArchiveConfig: 사용량 영구 보관(PostgreSQL) 설정입니다.
type ArchiveConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

// DSN: gorm postgres 드라이버용 DSN 문자열을 생성합니다.
func (c ArchiveConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name,
	)
}

// TelemetryConfig: OpenTelemetry 트레이싱 설정입니다.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
	Environment  string
}

// Config: reviewd 전체 설정 루트입니다.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Valkey    ValkeyConfig
	Queue     QueueConfig
	Review    ReviewConfig
	Reviewer  ReviewerConfig
	Alert     AlertConfig
	Archive   ArchiveConfig
	Telemetry TelemetryConfig
}
