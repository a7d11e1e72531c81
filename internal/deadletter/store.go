package deadletter

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

const (
	failureCounterPrefix = "dlq:failures"
	failureLogPrefix     = "dlq:failure:log"
	totalCounterField    = "total"

	retentionSeconds = 30 * 24 * 60 * 60
	logMaxEntries    = 10_000

	dayFormat = "2006-01-02"
)

func counterKey(day, category string) string {
	return valkeyx.BuildKey2(failureCounterPrefix, day, category)
}

func logKey(day string) string {
	return valkeyx.BuildKey(failureLogPrefix, day)
}

// Store 는 일자별 실패 카운터와 유계 실패 로그를 Valkey에 기록한다.
type Store struct {
	client valkey.Client
	logger *slog.Logger
}

// NewStore 는 데드레터 기록 저장소를 생성한다.
func NewStore(client valkey.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// RecordFailure 는 작업 실패를 카운터와 로그 리스트에 기록한다.
// 카테고리별/전체 카운터 INCR, 로그는 LPUSH 후 최근 10,000건으로 트림하며
// 모든 키는 30일 보존이다.
func (s *Store) RecordFailure(ctx context.Context, job DeadLetterJob, now time.Time) error {
	day := job.FailedAtOrNow(now).UTC().Format(dayFormat)

	record, err := json.Marshal(job)
	if err != nil {
		return cerrors.MalformedJobError{Reason: "marshal dead-letter record: " + err.Error()}
	}

	categoryKey := counterKey(day, job.FailureReason.Category)
	totalKey := counterKey(day, totalCounterField)
	listKey := logKey(day)

	cmds := make(valkey.Commands, 0, 7)
	cmds = append(cmds,
		s.client.B().Incr().Key(categoryKey).Build(),
		s.client.B().Expire().Key(categoryKey).Seconds(retentionSeconds).Build(),
		s.client.B().Incr().Key(totalKey).Build(),
		s.client.B().Expire().Key(totalKey).Seconds(retentionSeconds).Build(),
		s.client.B().Lpush().Key(listKey).Element(valkey.BinaryString(record)).Build(),
		s.client.B().Ltrim().Key(listKey).Start(0).Stop(logMaxEntries-1).Build(),
		s.client.B().Expire().Key(listKey).Seconds(retentionSeconds).Build(),
	)

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return cerrors.RedisError{Operation: "dlq_record_failure", Err: err}
		}
	}

	s.logger.Info("dead_letter_recorded",
		"submission_id", job.SubmissionID,
		"category", job.FailureReason.Category,
		"failure_count", job.FailureCount,
		"day", day)
	return nil
}

// DayStats 는 특정 일자의 카테고리별 실패 집계이다.
type DayStats struct {
	Day        string           `json:"day"`
	Total      int64            `json:"total"`
	ByCategory map[string]int64 `json:"byCategory"`
}

// Stats 는 해당 일자의 실패 카운터를 조회한다.
// 카테고리 목록은 고정된 분류 상수 집합을 사용한다.
func (s *Store) Stats(ctx context.Context, day time.Time) (DayStats, error) {
	dayStr := day.UTC().Format(dayFormat)
	categories := []string{
		CategoryReviewerError,
		CategoryStoreError,
		CategoryMalformedJob,
		CategoryTimeout,
		CategoryUnknown,
	}

	cmds := make(valkey.Commands, 0, len(categories)+1)
	for _, category := range categories {
		cmds = append(cmds, s.client.B().Get().Key(counterKey(dayStr, category)).Build())
	}
	cmds = append(cmds, s.client.B().Get().Key(counterKey(dayStr, totalCounterField)).Build())

	results := s.client.DoMulti(ctx, cmds...)

	stats := DayStats{Day: dayStr, ByCategory: make(map[string]int64, len(categories))}
	for i, category := range categories {
		count, err := readCounter(results[i])
		if err != nil {
			return DayStats{}, cerrors.RedisError{Operation: "dlq_stats", Err: err}
		}
		if count > 0 {
			stats.ByCategory[category] = count
		}
	}
	total, err := readCounter(results[len(categories)])
	if err != nil {
		return DayStats{}, cerrors.RedisError{Operation: "dlq_stats", Err: err}
	}
	stats.Total = total
	return stats, nil
}

// RecentFailures 는 해당 일자의 최근 실패 기록을 최신순으로 최대 limit건 조회한다.
func (s *Store) RecentFailures(ctx context.Context, day time.Time, limit int64) ([]DeadLetterJob, error) {
	if limit <= 0 {
		limit = 100
	}
	dayStr := day.UTC().Format(dayFormat)

	cmd := s.client.B().Lrange().Key(logKey(dayStr)).Start(0).Stop(limit - 1).Build()
	raw, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, cerrors.RedisError{Operation: "dlq_recent_failures", Err: err}
	}

	jobs := make([]DeadLetterJob, 0, len(raw))
	for _, entry := range raw {
		var job DeadLetterJob
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			s.logger.Warn("dead_letter_log_entry_corrupt", "day", dayStr, "err", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func readCounter(resp valkey.ValkeyResult) (int64, error) {
	value, err := resp.AsInt64()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}
