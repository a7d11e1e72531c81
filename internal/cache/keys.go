// Package cache: 리뷰 결과의 내용 주소화(content-addressed) 캐시를 담당한다.
// 동일한 리뷰 요청에 대한 중복 외부 호출을 차단한다.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

const (
	entryKeyPrefix      = "review:cache"
	hitMetricKeyPrefix  = "cache:metrics:hit"
	missMetricKeyPrefix = "cache:metrics:miss"

	dayFormat = "2006-01-02"
)

// KeyFor: 모델과 프롬프트 내용에서 결정적 캐시 키 다이제스트를 생성한다.
// 동일 입력은 프로세스/인스턴스에 관계없이 항상 동일한 키를 만든다.
// 모델 식별자를 다이제스트에 포함시켜 서로 다른 모델의 결과가 충돌하지 않게 한다.
func KeyFor(model string, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte("\n"))
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// entryKey 는 캐시 엔트리 저장용 키를 생성한다.
// 형식: review:cache:{digest}
func entryKey(digest string) string {
	return valkeyx.BuildKey(entryKeyPrefix, digest)
}

// hitMetricKey 는 일별 캐시 적중 카운터 키를 생성한다.
// 형식: cache:metrics:hit:{YYYY-MM-DD}
func hitMetricKey(day time.Time) string {
	return valkeyx.BuildKey(hitMetricKeyPrefix, day.UTC().Format(dayFormat))
}

// missMetricKey 는 일별 캐시 미스 카운터 키를 생성한다.
// 형식: cache:metrics:miss:{YYYY-MM-DD}
func missMetricKey(day time.Time) string {
	return valkeyx.BuildKey(missMetricKeyPrefix, day.UTC().Format(dayFormat))
}
