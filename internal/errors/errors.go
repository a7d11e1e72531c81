// Package errors: 리뷰 파이프라인 전체에서 공용으로 사용되는 에러 타입들을 정의한다.
// 워커, 스토어, 알림 등 계층 간 공유되는 인프라스트럭처 에러 타입을 포함한다.
package errors

import (
	"errors"
	"fmt"
)

// RedisError: Valkey/Redis 작업을 수행하는 도중 발생한 에러
type RedisError struct {
	Operation string
	Err       error
}

func (e RedisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("redis error operation=%s", e.Operation)
	}
	return fmt.Sprintf("redis error operation=%s: %v", e.Operation, e.Err)
}

func (e RedisError) Unwrap() error { return e.Err }

// DatabaseError: 데이터베이스(PostgreSQL 등) 작업을 수행하는 도중 발생한 에러
type DatabaseError struct {
	Operation string
	Err       error
}

func (e DatabaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("db error operation=%s", e.Operation)
	}
	return fmt.Sprintf("db error operation=%s: %v", e.Operation, e.Err)
}

func (e DatabaseError) Unwrap() error { return e.Err }

// ReviewerError: 외부 리뷰어 호출 실패 시 발생하는 에러.
// 큐의 재시도 대상이 되며, Status가 0이 아니면 HTTP 응답 코드를 담는다.
type ReviewerError struct {
	Status int
	Err    error
}

func (e ReviewerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("reviewer call failed status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("reviewer call failed: %v", e.Err)
}

func (e ReviewerError) Unwrap() error { return e.Err }

// MalformedJobError: 큐 메시지를 작업으로 해석할 수 없을 때 발생하는 에러.
// 재시도해도 성공할 수 없으므로 즉시 데드레터로 보낸다.
type MalformedJobError struct {
	Reason string
}

func (e MalformedJobError) Error() string {
	if e.Reason == "" {
		return "malformed job"
	}
	return "malformed job: " + e.Reason
}

// IsRetryable: 에러가 재시도로 해소될 수 있는 종류인지 확인한다.
// 형식 오류는 재시도 대상에서 제외한다.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var malformed MalformedJobError
	return !errors.As(err, &malformed)
}
