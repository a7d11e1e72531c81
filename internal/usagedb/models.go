package usagedb

import "time"

// ReviewUsage 는 일자/모델별 리뷰 사용량 집계를 저장하는 DB 모델이다.
type ReviewUsage struct {
	ID           int64     `gorm:"column:id;primaryKey"`
	UsageDate    time.Time `gorm:"column:usage_date;type:date"`
	Model        string    `gorm:"column:model"`
	InputTokens  int64     `gorm:"column:input_tokens"`
	OutputTokens int64     `gorm:"column:output_tokens"`
	RequestCount int64     `gorm:"column:request_count"`
	CostUSD      float64   `gorm:"column:cost_usd"`
	Version      int64     `gorm:"column:version"`
}

// TableName 은 GORM에서 사용할 테이블명을 반환한다.
func (ReviewUsage) TableName() string {
	return "review_usage"
}

// DailyUsage 는 조회용 일자/모델별 사용량 뷰 모델이다.
type DailyUsage struct {
	UsageDate    time.Time
	Model        string
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
	CostUSD      float64
}

// TotalTokens 는 입력+출력 토큰 합계를 반환한다.
func (d DailyUsage) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens
}
