// Package cost: 외부 리뷰어 호출 비용의 산정과 집계를 담당한다.
// 집계는 공유 Valkey 해시에 원자 연산으로 누적되어 여러 워커 인스턴스가
// 하나의 일관된 지출 뷰를 공유한다.
package cost

import "time"

// Period: 집계 단위 (UTC 달력 기준)
type Period string

const (
	// PeriodDay: 일 단위 집계
	PeriodDay Period = "day"
	// PeriodMonth: 월 단위 집계
	PeriodMonth Period = "month"
)

// UsageRecord: 단일 리뷰어 호출의 사용량 기록
type UsageRecord struct {
	Model        string
	InputTokens  int64
	OutputTokens int64

	// UserID, SubmissionID: 로깅/추적용 부가 정보 (집계 키에는 쓰이지 않음)
	UserID       string
	SubmissionID string
}

// PeriodStats: 특정 기간의 전체 사용량 집계
type PeriodStats struct {
	Period       Period  `json:"period"`
	Key          string  `json:"key"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ModelBreakdown: 기간 내 모델별 비용 점유율
type ModelBreakdown struct {
	Model             string  `json:"model"`
	Requests          int64   `json:"requests"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	Cost              float64 `json:"cost"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
}

// BudgetStatus: 월간 예산 대비 현재 지출 상태 (저장되지 않는 파생 값)
type BudgetStatus struct {
	Budget               float64 `json:"budget"`
	Spent                float64 `json:"spent"`
	Remaining            float64 `json:"remaining"`
	PercentageUsed       float64 `json:"percentage_used"`
	IsWarning            bool    `json:"is_warning"`
	IsExceeded           bool    `json:"is_exceeded"`
	DaysRemainingInMonth int     `json:"days_remaining_in_month"`
}

// AllStats: 대시보드용 전체 통계 스냅샷
type AllStats struct {
	Today     PeriodStats      `json:"today"`
	ThisMonth PeriodStats      `json:"this_month"`
	ByModel   []ModelBreakdown `json:"by_model"`
}

const (
	dayFormat   = "2006-01-02"
	monthFormat = "2006-01"
)

func dayKey(t time.Time) string {
	return "cost:usage:day:" + t.UTC().Format(dayFormat)
}

func monthKey(t time.Time) string {
	return "cost:usage:month:" + t.UTC().Format(monthFormat)
}

func periodKey(period Period, t time.Time) string {
	if period == PeriodMonth {
		return monthKey(t)
	}
	return dayKey(t)
}
