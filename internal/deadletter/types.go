// Package deadletter: 재시도 한도를 소진한 리뷰 작업의 최종 처리(기록/격상)를 담당한다.
package deadletter

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// 실패 분류. 자유 텍스트를 ':' 로 쪼개는 방식 대신 안정적인 카테고리 필드를 사용한다.
const (
	CategoryReviewerError = "reviewer_error"
	CategoryStoreError    = "store_error"
	CategoryMalformedJob  = "malformed_job"
	CategoryTimeout       = "timeout"
	CategoryUnknown       = "unknown"
)

// FailureReason 는 분류 태그와 상세 메시지를 가진 실패 사유이다.
type FailureReason struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// String: "category: message" 형식의 표현을 반환한다.
func (r FailureReason) String() string {
	if r.Message == "" {
		return r.Category
	}
	return r.Category + ": " + r.Message
}

// UnmarshalJSON 은 구조화된 형식과 구버전의 "category: message" 문자열 형식을
// 모두 받아들인다.
func (r *FailureReason) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		category, message, found := strings.Cut(legacy, ":")
		if !found {
			r.Category = CategoryUnknown
			r.Message = strings.TrimSpace(legacy)
			return nil
		}
		r.Category = strings.TrimSpace(category)
		r.Message = strings.TrimSpace(message)
		return nil
	}

	type plain FailureReason
	var parsed plain
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("unmarshal failure reason: %w", err)
	}
	if parsed.Category == "" {
		parsed.Category = CategoryUnknown
	}
	*r = FailureReason(parsed)
	return nil
}

// DeadLetterJob 는 데드레터 큐에서 소비하는 작업 페이로드이다.
// FailedAt이 비어 있으면 소비 시점으로 간주한다.
type DeadLetterJob struct {
	OriginalJobID     string        `json:"originalJobId"`
	SubmissionID      string        `json:"submissionId"`
	FailureReason     FailureReason `json:"failureReason"`
	FailureCount      int           `json:"failureCount"`
	OriginalQueueName string        `json:"originalQueueName"`
	FailedAt          time.Time     `json:"failedAt,omitempty"`
}

// FailedAtOrNow: FailedAt이 없으면 now를 반환한다.
func (j DeadLetterJob) FailedAtOrNow(now time.Time) time.Time {
	if j.FailedAt.IsZero() {
		return now
	}
	return j.FailedAt
}
