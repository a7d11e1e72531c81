package httpapi

import "github.com/jmlee-dev/review-pipeline-go/internal/deadletter"

// CreateReviewRequest 는 리뷰 작업 등록 요청이다.
type CreateReviewRequest struct {
	SubmissionID string `json:"submissionId"`
	UserID       string `json:"userId,omitempty"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
}

// CreateReviewResponse 는 등록 결과이다.
type CreateReviewResponse struct {
	SubmissionID string `json:"submissionId"`
	MessageID    string `json:"messageId"`
	Status       string `json:"status"`
}

// StatusResponse 는 폴링 프로토콜의 상태 응답이다.
type StatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// ReviewResponse 는 완료된 리뷰 본문 응답이다.
type ReviewResponse struct {
	SubmissionID string `json:"submissionId"`
	Payload      string `json:"payload"`
}

// CacheStatsResponse 는 일자별 캐시 적중 통계 응답이다.
type CacheStatsResponse struct {
	Day     string  `json:"day"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// CacheClearResponse 는 캐시 전체 삭제 결과이다.
type CacheClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// CostStatsResponse 는 기간별 비용 집계 응답이다.
type CostStatsResponse struct {
	Period       string               `json:"period"`
	Requests     int64                `json:"requests"`
	InputTokens  int64                `json:"inputTokens"`
	OutputTokens int64                `json:"outputTokens"`
	CostUSD      float64              `json:"costUsd"`
	ByModel      []ModelCostBreakdown `json:"byModel,omitempty"`
}

// ModelCostBreakdown 는 모델별 비용 점유 응답이다.
type ModelCostBreakdown struct {
	Model             string  `json:"model"`
	Requests          int64   `json:"requests"`
	InputTokens       int64   `json:"inputTokens"`
	OutputTokens      int64   `json:"outputTokens"`
	CostUSD           float64 `json:"costUsd"`
	PercentageOfTotal float64 `json:"percentageOfTotal"`
}

// BudgetResponse 는 예산 상태 응답이다.
type BudgetResponse struct {
	BudgetUSD            float64 `json:"budgetUsd"`
	SpentUSD             float64 `json:"spentUsd"`
	RemainingUSD         float64 `json:"remainingUsd"`
	PercentageUsed       float64 `json:"percentageUsed"`
	IsWarning            bool    `json:"isWarning"`
	IsExceeded           bool    `json:"isExceeded"`
	DaysRemainingInMonth int     `json:"daysRemainingInMonth"`
}

// DLQStatsResponse 는 일자별 데드레터 실패 집계 응답이다.
type DLQStatsResponse struct {
	Day        string           `json:"day"`
	Total      int64            `json:"total"`
	ByCategory map[string]int64 `json:"byCategory"`
}

// DLQRecentResponse 는 최근 데드레터 실패 기록 응답이다.
type DLQRecentResponse struct {
	Day      string                     `json:"day"`
	Failures []deadletter.DeadLetterJob `json:"failures"`
}

// UsageRecentResponse 는 아카이브된 일자/모델별 사용량 응답이다.
type UsageRecentResponse struct {
	Days    int               `json:"days"`
	Entries []DailyUsageEntry `json:"entries"`
}

// DailyUsageEntry 는 아카이브 사용량 한 행이다.
type DailyUsageEntry struct {
	Date         string  `json:"date"`
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}
