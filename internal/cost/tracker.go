package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/pricing"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

const (
	fieldRequests     = "requests"
	fieldInputTokens  = "input_tokens"
	fieldOutputTokens = "output_tokens"
	fieldCost         = "cost"

	modelFieldPrefix = "m:"

	// 일별 집계는 90일, 월별 집계는 400일간 보존한다
	dayTTLSeconds   = 90 * 24 * 60 * 60
	monthTTLSeconds = 400 * 24 * 60 * 60

	budgetWarningPercent  = 80.0
	budgetExceededPercent = 100.0
)

// Tracker: 공유 저장소 기반 비용 추적기.
// 모든 변경은 HINCRBY/HINCRBYFLOAT 원자 연산으로 수행되어
// 워커 프로세스 간 read-modify-write 경합이 없다.
type Tracker struct {
	client valkey.Client
	logger *slog.Logger
	table  *pricing.Table
	now    func() time.Time
}

// NewTracker: 비용 추적기를 생성합니다.
func NewTracker(client valkey.Client, logger *slog.Logger, table *pricing.Table) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client: client,
		logger: logger,
		table:  table,
		now:    time.Now,
	}
}

// CalculateCost: 토큰 수와 모델 단가로 호출 비용(USD)을 계산합니다.
// 미등록 모델은 경고 로그 후 0을 반환합니다. (추적 실패가 파이프라인을 막으면 안 됨)
func (t *Tracker) CalculateCost(model string, inputTokens int64, outputTokens int64) float64 {
	p, ok := t.table.Lookup(model)
	if !ok {
		t.logger.Warn("unknown_model_pricing", "model", model)
		return 0
	}
	return float64(inputTokens)*p.InputRatePerToken + float64(outputTokens)*p.OutputRatePerToken
}

// TrackUsage: 호출 비용을 계산하고 일/월 집계(전체·모델별)를 원자적으로 증가시킵니다.
// 집계 저장 실패는 로그만 남기며, 계산된 비용은 항상 반환합니다.
func (t *Tracker) TrackUsage(ctx context.Context, rec UsageRecord) float64 {
	costUSD := t.CalculateCost(rec.Model, rec.InputTokens, rec.OutputTokens)

	now := t.now()
	cmds := make(valkey.Commands, 0, 18)
	cmds = append(cmds, t.incrCommands(dayKey(now), rec, costUSD)...)
	cmds = append(cmds, t.client.B().Expire().Key(dayKey(now)).Seconds(dayTTLSeconds).Build())
	cmds = append(cmds, t.incrCommands(monthKey(now), rec, costUSD)...)
	cmds = append(cmds, t.client.B().Expire().Key(monthKey(now)).Seconds(monthTTLSeconds).Build())

	for _, r := range t.client.DoMulti(ctx, cmds...) {
		if err := r.Error(); err != nil {
			t.logger.Warn("usage_track_failed", "err", err, "model", rec.Model, "submission_id", rec.SubmissionID)
			break
		}
	}

	return costUSD
}

func (t *Tracker) incrCommands(key string, rec UsageRecord, costUSD float64) valkey.Commands {
	modelField := func(suffix string) string {
		return modelFieldPrefix + rec.Model + ":" + suffix
	}
	return valkey.Commands{
		t.client.B().Hincrby().Key(key).Field(fieldRequests).Increment(1).Build(),
		t.client.B().Hincrby().Key(key).Field(fieldInputTokens).Increment(rec.InputTokens).Build(),
		t.client.B().Hincrby().Key(key).Field(fieldOutputTokens).Increment(rec.OutputTokens).Build(),
		t.client.B().Hincrbyfloat().Key(key).Field(fieldCost).Increment(costUSD).Build(),
		t.client.B().Hincrby().Key(key).Field(modelField(fieldRequests)).Increment(1).Build(),
		t.client.B().Hincrby().Key(key).Field(modelField(fieldInputTokens)).Increment(rec.InputTokens).Build(),
		t.client.B().Hincrby().Key(key).Field(modelField(fieldOutputTokens)).Increment(rec.OutputTokens).Build(),
		t.client.B().Hincrbyfloat().Key(key).Field(modelField(fieldCost)).Increment(costUSD).Build(),
	}
}

// UsageStats: 요청한 기간(오늘/이번 달)의 전체 집계를 반환합니다.
func (t *Tracker) UsageStats(ctx context.Context, period Period) (PeriodStats, error) {
	return t.usageStatsAt(ctx, period, t.now())
}

func (t *Tracker) usageStatsAt(ctx context.Context, period Period, at time.Time) (PeriodStats, error) {
	key := periodKey(period, at)
	fields, err := t.readHash(ctx, key)
	if err != nil {
		return PeriodStats{}, err
	}

	stats := PeriodStats{Period: period, Key: strings.TrimPrefix(key, "cost:usage:"+string(period)+":")}
	stats.Requests = parseInt(fields[fieldRequests])
	stats.InputTokens = parseInt(fields[fieldInputTokens])
	stats.OutputTokens = parseInt(fields[fieldOutputTokens])
	stats.Cost = parseFloat(fields[fieldCost])
	return stats, nil
}

// CostBreakdown: 요청한 기간의 모델별 비용 점유율을 반환합니다.
func (t *Tracker) CostBreakdown(ctx context.Context, period Period) ([]ModelBreakdown, error) {
	key := periodKey(period, t.now())
	fields, err := t.readHash(ctx, key)
	if err != nil {
		return nil, err
	}

	totalCost := parseFloat(fields[fieldCost])

	byModel := make(map[string]*ModelBreakdown)
	for field, raw := range fields {
		if !strings.HasPrefix(field, modelFieldPrefix) {
			continue
		}
		// 필드 형식은 m:{model}:{metric}이고 모델 이름에 ':'가 올 수 있으므로 뒤에서 자른다
		rest := strings.TrimPrefix(field, modelFieldPrefix)
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			continue
		}
		model, metric := rest[:idx], rest[idx+1:]

		mb := byModel[model]
		if mb == nil {
			mb = &ModelBreakdown{Model: model}
			byModel[model] = mb
		}
		switch metric {
		case fieldRequests:
			mb.Requests = parseInt(raw)
		case fieldInputTokens:
			mb.InputTokens = parseInt(raw)
		case fieldOutputTokens:
			mb.OutputTokens = parseInt(raw)
		case fieldCost:
			mb.Cost = parseFloat(raw)
		}
	}

	breakdown := make([]ModelBreakdown, 0, len(byModel))
	for _, mb := range byModel {
		if totalCost > 0 {
			mb.PercentageOfTotal = mb.Cost / totalCost * 100
		}
		breakdown = append(breakdown, *mb)
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Cost > breakdown[j].Cost })
	return breakdown, nil
}

// CheckBudgetStatus: 이번 달 지출을 예산 상한과 비교합니다.
// 80% 이상이면 경고, 100% 이상이면 초과로 판정하며 부수 효과가 없습니다.
func (t *Tracker) CheckBudgetStatus(ctx context.Context, budgetUSD float64) (BudgetStatus, error) {
	if budgetUSD <= 0 {
		return BudgetStatus{}, errors.New("budget must be positive")
	}

	month, err := t.usageStatsAt(ctx, PeriodMonth, t.now())
	if err != nil {
		return BudgetStatus{}, err
	}

	spent := month.Cost
	percentage := spent / budgetUSD * 100

	now := t.now().UTC()
	lastDay := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	return BudgetStatus{
		Budget:               budgetUSD,
		Spent:                spent,
		Remaining:            budgetUSD - spent,
		PercentageUsed:       percentage,
		IsWarning:            percentage >= budgetWarningPercent,
		IsExceeded:           percentage >= budgetExceededPercent,
		DaysRemainingInMonth: lastDay - now.Day(),
	}, nil
}

// AllStats: 오늘/이번 달 집계와 이번 달 모델별 점유율을 한 번에 반환합니다.
func (t *Tracker) AllStats(ctx context.Context) (AllStats, error) {
	today, err := t.UsageStats(ctx, PeriodDay)
	if err != nil {
		return AllStats{}, err
	}
	month, err := t.UsageStats(ctx, PeriodMonth)
	if err != nil {
		return AllStats{}, err
	}
	byModel, err := t.CostBreakdown(ctx, PeriodMonth)
	if err != nil {
		return AllStats{}, err
	}
	return AllStats{Today: today, ThisMonth: month, ByModel: byModel}, nil
}

func (t *Tracker) readHash(ctx context.Context, key string) (map[string]string, error) {
	cmd := t.client.B().Hgetall().Key(key).Build()
	fields, err := t.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		if valkeyx.IsNil(err) {
			return map[string]string{}, nil
		}
		return nil, cerrors.RedisError{Operation: fmt.Sprintf("usage_read key=%s", key), Err: err}
	}
	return fields, nil
}

func parseInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
