// Package httpapi: 상태 폴링과 운영용 관리 API를 제공한다.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmlee-dev/review-pipeline-go/internal/cache"
	"github.com/jmlee-dev/review-pipeline-go/internal/cost"
	"github.com/jmlee-dev/review-pipeline-go/internal/deadletter"
	"github.com/jmlee-dev/review-pipeline-go/internal/health"
	"github.com/jmlee-dev/review-pipeline-go/internal/httputil"
	"github.com/jmlee-dev/review-pipeline-go/internal/metrics"
	"github.com/jmlee-dev/review-pipeline-go/internal/review"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
	"github.com/jmlee-dev/review-pipeline-go/internal/usagedb"
)

const (
	apiErrorInvalidRequest = "INVALID_REQUEST"
	apiErrorNotFound       = "NOT_FOUND"
	apiErrorNotReady       = "NOT_READY"
	apiErrorInternalError  = "INTERNAL_ERROR"
)

const maxBodyBytes = 1 << 20

// UsageSource 는 아카이브된 사용량 조회 의존성이다. 아카이브 비활성 시 nil이다.
type UsageSource interface {
	GetRecentUsage(ctx context.Context, days int) ([]usagedb.DailyUsage, error)
}

// Deps 는 핸들러가 사용하는 의존성 묶음이다.
type Deps struct {
	Enqueuer  *review.Enqueuer
	Statuses  *status.Store
	Cache     *cache.Store
	Costs     *cost.Tracker
	DLQ       *deadletter.Store
	Metrics   *metrics.Store
	Usage     UsageSource
	BudgetUSD float64
	Logger    *slog.Logger
}

// Handler 는 전체 라우트가 등록된 핸들러를 생성한다. OTel HTTP 계측이 적용된다.
func Handler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	Register(mux, deps)
	return otelhttp.NewHandler(mux, "reviewd-http")
}

// Register 는 라우트를 등록한다.
func Register(mux *http.ServeMux, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = httputil.WriteJSON(w, http.StatusOK, health.Get())
	})

	mux.HandleFunc("POST /api/reviews", func(w http.ResponseWriter, r *http.Request) {
		handleCreateReview(w, r, deps.Enqueuer, logger)
	})
	mux.HandleFunc("GET /api/reviews/{submissionId}/status", func(w http.ResponseWriter, r *http.Request) {
		handleReviewStatus(w, r, deps.Statuses, logger)
	})
	mux.HandleFunc("GET /api/reviews/{submissionId}", func(w http.ResponseWriter, r *http.Request) {
		handleReviewResult(w, r, deps.Statuses, logger)
	})

	mux.HandleFunc("GET /api/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		handleCacheStats(w, r, deps.Cache, logger)
	})
	mux.HandleFunc("DELETE /api/cache", func(w http.ResponseWriter, r *http.Request) {
		handleCacheClear(w, r, deps.Cache, logger)
	})

	mux.HandleFunc("GET /api/costs/budget", func(w http.ResponseWriter, r *http.Request) {
		handleBudget(w, r, deps.Costs, deps.BudgetUSD, logger)
	})
	mux.HandleFunc("GET /api/costs/{period}", func(w http.ResponseWriter, r *http.Request) {
		handleCosts(w, r, deps.Costs, logger)
	})

	mux.HandleFunc("GET /api/dlq/stats", func(w http.ResponseWriter, r *http.Request) {
		handleDLQStats(w, r, deps.DLQ, logger)
	})
	mux.HandleFunc("GET /api/dlq/recent", func(w http.ResponseWriter, r *http.Request) {
		handleDLQRecent(w, r, deps.DLQ, logger)
	})

	mux.HandleFunc("GET /api/usage/recent", func(w http.ResponseWriter, r *http.Request) {
		handleUsageRecent(w, r, deps.Usage, logger)
	})

	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, _ *http.Request) {
		_ = httputil.WriteJSON(w, http.StatusOK, deps.Metrics.Snapshot())
	})
}

func handleCreateReview(w http.ResponseWriter, r *http.Request, enqueuer *review.Enqueuer, logger *slog.Logger) {
	var req CreateReviewRequest
	if err := httputil.ReadJSON(r, &req, maxBodyBytes); err != nil {
		_ = httputil.WriteErrorJSON(w, http.StatusBadRequest, apiErrorInvalidRequest, err.Error())
		return
	}

	req.SubmissionID = strings.TrimSpace(req.SubmissionID)
	req.Model = strings.TrimSpace(req.Model)
	if req.SubmissionID == "" || req.Model == "" || req.Prompt == "" {
		_ = httputil.WriteErrorJSON(w, http.StatusBadRequest, apiErrorInvalidRequest, "missing required fields")
		return
	}

	messageID, err := enqueuer.Enqueue(r.Context(), review.Job{
		SubmissionID: req.SubmissionID,
		UserID:       req.UserID,
		Model:        req.Model,
		Prompt:       req.Prompt,
	})
	if err != nil {
		logger.Error("create_review_failed", "submission_id", req.SubmissionID, "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "enqueue failed")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusAccepted, CreateReviewResponse{
		SubmissionID: req.SubmissionID,
		MessageID:    messageID,
		Status:       string(status.StatePending),
	})
}

func handleReviewStatus(w http.ResponseWriter, r *http.Request, statuses *status.Store, logger *slog.Logger) {
	submissionID := r.PathValue("submissionId")

	st, err := statuses.Get(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			_ = httputil.WriteErrorJSON(w, http.StatusNotFound, apiErrorNotFound, "unknown submission")
			return
		}
		logger.Error("review_status_failed", "submission_id", submissionID, "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "status lookup failed")
		return
	}

	progress := st.Progress
	if st.State == status.StateReviewed {
		progress = 100
	}
	_ = httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Status:   string(st.State),
		Progress: progress,
	})
}

func handleReviewResult(w http.ResponseWriter, r *http.Request, statuses *status.Store, logger *slog.Logger) {
	submissionID := r.PathValue("submissionId")

	st, err := statuses.Get(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			_ = httputil.WriteErrorJSON(w, http.StatusNotFound, apiErrorNotFound, "unknown submission")
			return
		}
		logger.Error("review_result_failed", "submission_id", submissionID, "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "status lookup failed")
		return
	}
	if st.State != status.StateReviewed {
		_ = httputil.WriteErrorJSON(w, http.StatusConflict, apiErrorNotReady, "review not completed")
		return
	}

	payload, err := statuses.FetchResult(r.Context(), submissionID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			_ = httputil.WriteErrorJSON(w, http.StatusNotFound, apiErrorNotFound, "result expired")
			return
		}
		logger.Error("review_result_fetch_failed", "submission_id", submissionID, "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "result fetch failed")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, ReviewResponse{
		SubmissionID: submissionID,
		Payload:      payload,
	})
}

func handleCacheStats(w http.ResponseWriter, r *http.Request, cacheStore *cache.Store, logger *slog.Logger) {
	stats, err := cacheStore.Stats(r.Context())
	if err != nil {
		logger.Error("cache_stats_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "cache stats failed")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, CacheStatsResponse{
		Day:     time.Now().UTC().Format("2006-01-02"),
		Hits:    stats.Hits,
		Misses:  stats.Misses,
		HitRate: stats.HitRate,
	})
}

func handleCacheClear(w http.ResponseWriter, r *http.Request, cacheStore *cache.Store, logger *slog.Logger) {
	deleted, err := cacheStore.ClearAll(r.Context())
	if err != nil {
		logger.Error("cache_clear_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "cache clear failed")
		return
	}

	logger.Info("cache_cleared", "deleted", deleted)
	_ = httputil.WriteJSON(w, http.StatusOK, CacheClearResponse{Deleted: deleted})
}

func handleCosts(w http.ResponseWriter, r *http.Request, costs *cost.Tracker, logger *slog.Logger) {
	period, ok := parsePeriod(r.PathValue("period"))
	if !ok {
		_ = httputil.WriteErrorJSON(w, http.StatusBadRequest, apiErrorInvalidRequest, "period must be day or month")
		return
	}

	stats, err := costs.UsageStats(r.Context(), period)
	if err != nil {
		logger.Error("cost_stats_failed", "period", string(period), "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "cost stats failed")
		return
	}
	breakdown, err := costs.CostBreakdown(r.Context(), period)
	if err != nil {
		logger.Error("cost_breakdown_failed", "period", string(period), "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "cost breakdown failed")
		return
	}

	resp := CostStatsResponse{
		Period:       string(period),
		Requests:     stats.Requests,
		InputTokens:  stats.InputTokens,
		OutputTokens: stats.OutputTokens,
		CostUSD:      roundUSD(stats.Cost),
		ByModel:      make([]ModelCostBreakdown, 0, len(breakdown)),
	}
	for _, mb := range breakdown {
		resp.ByModel = append(resp.ByModel, ModelCostBreakdown{
			Model:             mb.Model,
			Requests:          mb.Requests,
			InputTokens:       mb.InputTokens,
			OutputTokens:      mb.OutputTokens,
			CostUSD:           roundUSD(mb.Cost),
			PercentageOfTotal: mb.PercentageOfTotal,
		})
	}
	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

func handleBudget(w http.ResponseWriter, r *http.Request, costs *cost.Tracker, budgetUSD float64, logger *slog.Logger) {
	budget, err := costs.CheckBudgetStatus(r.Context(), budgetUSD)
	if err != nil {
		logger.Error("budget_status_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "budget status failed")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, BudgetResponse{
		BudgetUSD:            roundUSD(budget.Budget),
		SpentUSD:             roundUSD(budget.Spent),
		RemainingUSD:         roundUSD(budget.Remaining),
		PercentageUsed:       budget.PercentageUsed,
		IsWarning:            budget.IsWarning,
		IsExceeded:           budget.IsExceeded,
		DaysRemainingInMonth: budget.DaysRemainingInMonth,
	})
}

func handleDLQStats(w http.ResponseWriter, r *http.Request, dlq *deadletter.Store, logger *slog.Logger) {
	stats, err := dlq.Stats(r.Context(), time.Now().UTC())
	if err != nil {
		logger.Error("dlq_stats_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "dlq stats failed")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, DLQStatsResponse{
		Day:        stats.Day,
		Total:      stats.Total,
		ByCategory: stats.ByCategory,
	})
}

func handleDLQRecent(w http.ResponseWriter, r *http.Request, dlq *deadletter.Store, logger *slog.Logger) {
	limit := queryInt(r, "limit", 20, 1, 100)

	day := time.Now().UTC()
	failures, err := dlq.RecentFailures(r.Context(), day, int64(limit))
	if err != nil {
		logger.Error("dlq_recent_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "dlq recent failed")
		return
	}
	if failures == nil {
		failures = []deadletter.DeadLetterJob{}
	}

	_ = httputil.WriteJSON(w, http.StatusOK, DLQRecentResponse{
		Day:      day.Format("2006-01-02"),
		Failures: failures,
	})
}

func handleUsageRecent(w http.ResponseWriter, r *http.Request, usage UsageSource, logger *slog.Logger) {
	if usage == nil {
		_ = httputil.WriteErrorJSON(w, http.StatusNotFound, apiErrorNotFound, "usage archive disabled")
		return
	}
	days := queryInt(r, "days", 7, 1, 90)

	rows, err := usage.GetRecentUsage(r.Context(), days)
	if err != nil {
		logger.Error("usage_recent_failed", "err", err)
		_ = httputil.WriteErrorJSON(w, http.StatusInternalServerError, apiErrorInternalError, "usage lookup failed")
		return
	}

	resp := UsageRecentResponse{Days: days, Entries: make([]DailyUsageEntry, 0, len(rows))}
	for _, row := range rows {
		resp.Entries = append(resp.Entries, DailyUsageEntry{
			Date:         row.UsageDate.Format("2006-01-02"),
			Model:        row.Model,
			Requests:     row.RequestCount,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			CostUSD:      roundUSD(row.CostUSD),
		})
	}
	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func parsePeriod(raw string) (cost.Period, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "day":
		return cost.PeriodDay, true
	case "month":
		return cost.PeriodMonth, true
	default:
		return "", false
	}
}

// roundUSD: 표시 경계에서만 금액을 소수점 6자리로 반올림한다.
func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
