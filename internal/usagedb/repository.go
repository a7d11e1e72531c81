// Package usagedb: Valkey 집계와 별도로 리뷰 사용량을 PostgreSQL에 영구 보관한다.
// 보관 실패는 로깅 대상일 뿐 리뷰 파이프라인을 막지 않는다.
package usagedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmlee-dev/review-pipeline-go/internal/config"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
)

// Repository 는 review_usage 테이블 접근을 담당한다.
// 연결은 최초 사용 시점에 지연 수립된다.
type Repository struct {
	cfg    config.ArchiveConfig
	logger *slog.Logger

	mu    sync.Mutex
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewRepository 는 사용량 보관 저장소를 생성한다.
func NewRepository(cfg config.ArchiveConfig, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{cfg: cfg, logger: logger}
}

// RecordUsage 는 일자/모델 단위 사용량 델타를 누적 저장한다(upsert).
func (r *Repository) RecordUsage(ctx context.Context, delta DailyUsage) error {
	if delta.RequestCount <= 0 && delta.InputTokens <= 0 && delta.OutputTokens <= 0 {
		return nil
	}

	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}

	targetDate := delta.UsageDate
	if targetDate.IsZero() {
		targetDate = todayDate()
	}

	row := ReviewUsage{
		UsageDate:    targetDate,
		Model:        delta.Model,
		InputTokens:  delta.InputTokens,
		OutputTokens: delta.OutputTokens,
		RequestCount: delta.RequestCount,
		CostUSD:      delta.CostUSD,
		Version:      0,
	}

	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "usage_date"}, {Name: "model"}},
		DoUpdates: clause.Assignments(map[string]any{
			"input_tokens":  gorm.Expr("review_usage.input_tokens + EXCLUDED.input_tokens"),
			"output_tokens": gorm.Expr("review_usage.output_tokens + EXCLUDED.output_tokens"),
			"request_count": gorm.Expr("review_usage.request_count + EXCLUDED.request_count"),
			"cost_usd":      gorm.Expr("review_usage.cost_usd + EXCLUDED.cost_usd"),
			"version":       gorm.Expr("review_usage.version + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return cerrors.DatabaseError{Operation: "usage_record", Err: err}
	}
	return nil
}

// GetRecentUsage 는 최근 N일의 일자/모델별 사용량을 조회한다.
func (r *Repository) GetRecentUsage(ctx context.Context, days int) ([]DailyUsage, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 7
	}

	var rows []ReviewUsage
	err = db.WithContext(ctx).
		Where("usage_date >= CURRENT_DATE - (?::int)", days).
		Order("usage_date desc, model asc").
		Find(&rows).Error
	if err != nil {
		return nil, cerrors.DatabaseError{Operation: "usage_recent", Err: err}
	}

	usages := make([]DailyUsage, 0, len(rows))
	for _, row := range rows {
		usages = append(usages, DailyUsage{
			UsageDate:    row.UsageDate,
			Model:        row.Model,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			RequestCount: row.RequestCount,
			CostUSD:      row.CostUSD,
		})
	}
	return usages, nil
}

// Close 는 DB 연결을 닫는다.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sqlDB == nil {
		return
	}
	_ = r.sqlDB.Close()
	r.sqlDB = nil
	r.db = nil
}

func (r *Repository) getDB(ctx context.Context) (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	db, err := gorm.Open(postgres.Open(r.cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	if schemaErr := ensureSchema(db); schemaErr != nil {
		return nil, fmt.Errorf("prepare usage db: %w", schemaErr)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get usage db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	r.logger.Info("usage_db_connected", "host", r.cfg.Host, "name", r.cfg.Name)

	r.db = db
	r.sqlDB = sqlDB
	return db, nil
}

func ensureSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS review_usage (
				id BIGSERIAL PRIMARY KEY,
				usage_date DATE NOT NULL,
				model TEXT NOT NULL,
				input_tokens BIGINT NOT NULL DEFAULT 0,
				output_tokens BIGINT NOT NULL DEFAULT 0,
				request_count BIGINT NOT NULL DEFAULT 0,
				cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
				version BIGINT NOT NULL DEFAULT 0
			)
		`).Error; err != nil {
		return fmt.Errorf("create review_usage table: %w", err)
	}

	if err := db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_review_usage_date_model
			ON review_usage (usage_date, model)
		`).Error; err != nil {
		return fmt.Errorf("create review_usage unique index: %w", err)
	}

	return nil
}

func todayDate() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
