package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

func cerror(operation string, err error) error {
	return cerrors.RedisError{Operation: operation, Err: err}
}

// metricsTTL: 일별 적중/미스 카운터 보존 기간
const metricsTTL = 90 * 24 * time.Hour

// nowFunc: 테스트에서 시간을 고정하기 위한 주입 지점
type nowFunc func() time.Time

// Store: Valkey 기반 리뷰 결과 캐시.
// 저장소 장애는 항상 캐시 미스로 강등(fail open)되며 호출자에게 에러로 전파되지 않는다.
type Store struct {
	client valkey.Client
	logger *slog.Logger
	ttl    time.Duration
	now    nowFunc
}

// NewStore: 캐시 스토어를 생성합니다.
func NewStore(client valkey.Client, logger *slog.Logger, ttl time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get: 캐시된 리뷰 결과를 조회합니다.
// 적중/미스 여부에 따라 일별 카운터를 증가시키며,
// 저장소 접근 실패는 미스로 처리하고 로그만 남깁니다.
func (s *Store) Get(ctx context.Context, model string, prompt string) ([]byte, bool) {
	digest := KeyFor(model, prompt)

	cmd := s.client.B().Get().Key(entryKey(digest)).Build()
	value, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if !valkeyx.IsNil(err) {
			s.logger.Warn("cache_lookup_failed", "err", err, "digest", digest[:8])
		}
		s.bumpMetric(ctx, missMetricKey(s.now()))
		return nil, false
	}

	s.bumpMetric(ctx, hitMetricKey(s.now()))
	s.logger.Debug("cache_hit", "digest", digest[:8])
	return value, true
}

// Set: 리뷰 결과를 TTL과 함께 저장합니다.
// 캐시 쓰기 실패가 리뷰 작업을 실패시키면 안 되므로 에러는 로그 후 무시합니다.
func (s *Store) Set(ctx context.Context, model string, prompt string, value []byte) {
	digest := KeyFor(model, prompt)

	cmd := s.client.B().Set().Key(entryKey(digest)).Value(valkey.BinaryString(value)).Ex(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("cache_store_failed", "err", err, "digest", digest[:8])
		return
	}
	s.logger.Debug("cache_stored", "digest", digest[:8])
}

// DayStats: 특정 일자의 캐시 적중 통계
type DayStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

// Stats: 현재 UTC 일자의 적중 통계를 반환합니다.
func (s *Store) Stats(ctx context.Context) (DayStats, error) {
	day := s.now()
	hits, err := s.readCounter(ctx, hitMetricKey(day))
	if err != nil {
		return DayStats{}, err
	}
	misses, err := s.readCounter(ctx, missMetricKey(day))
	if err != nil {
		return DayStats{}, err
	}

	stats := DayStats{Hits: hits, Misses: misses, Total: hits + misses}
	if stats.Total > 0 {
		stats.HitRate = float64(hits) / float64(stats.Total)
	}
	return stats, nil
}

// HitRate: 최근 days일 간의 평균 적중률을 반환합니다.
// 트래픽이 없었던 날은 평균 계산에서 제외합니다.
func (s *Store) HitRate(ctx context.Context, days int) (float64, error) {
	if days <= 0 {
		days = 7
	}

	var sum float64
	var active int
	for i := 0; i < days; i++ {
		day := s.now().AddDate(0, 0, -i)
		hits, err := s.readCounter(ctx, hitMetricKey(day))
		if err != nil {
			return 0, err
		}
		misses, err := s.readCounter(ctx, missMetricKey(day))
		if err != nil {
			return 0, err
		}
		total := hits + misses
		if total == 0 {
			continue
		}
		sum += float64(hits) / float64(total)
		active++
	}

	if active == 0 {
		return 0, nil
	}
	return sum / float64(active), nil
}

// ClearAll: 모든 캐시 엔트리를 제거하고 삭제된 개수를 반환합니다. (운영/관리 용도)
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64

	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(entryKeyPrefix + ":*").Count(512).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return removed, cerror("cache_clear_scan", err)
		}

		if len(entry.Elements) > 0 {
			delCmd := s.client.B().Del().Key(entry.Elements...).Build()
			n, err := s.client.Do(ctx, delCmd).AsInt64()
			if err != nil {
				return removed, cerror("cache_clear_del", err)
			}
			removed += n
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	s.logger.Info("cache_cleared", "removed", removed)
	return removed, nil
}

func (s *Store) readCounter(ctx context.Context, key string) (int64, error) {
	cmd := s.client.B().Get().Key(key).Build()
	value, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		if valkeyx.IsNil(err) {
			return 0, nil
		}
		return 0, cerror("cache_metric_get", err)
	}
	return value, nil
}

// bumpMetric: 카운터를 원자적으로 증가시키고 보존 TTL을 갱신한다.
// 메트릭 실패는 조회 결과에 영향을 주지 않는다.
func (s *Store) bumpMetric(ctx context.Context, key string) {
	incrCmd := s.client.B().Incr().Key(key).Build()
	expireCmd := s.client.B().Expire().Key(key).Seconds(int64(metricsTTL.Seconds())).Build()

	results := s.client.DoMulti(ctx, incrCmd, expireCmd)
	for _, r := range results {
		if err := r.Error(); err != nil {
			s.logger.Debug("cache_metric_bump_failed", "err", err, "key", key)
			return
		}
	}
}
