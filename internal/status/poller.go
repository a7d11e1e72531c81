package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultFailureBudget  = 3
	reviewedFinalProgress = 100
)

// Source 는 폴러가 상태와 결과를 조회하는 공급자이다.
// Store가 기본 구현이며, HTTP 폴링 클라이언트로 대체할 수 있다.
type Source interface {
	Get(ctx context.Context, submissionID string) (Status, error)
	FetchResult(ctx context.Context, submissionID string) (string, error)
}

// Outcome 는 폴링 종료 시점의 상태와 (REVIEWED일 때) 리뷰 본문이다.
type Outcome struct {
	Status  Status
	Payload string
}

// Poller 는 고정 간격으로 상태를 조회하여 종단 상태를 기다린다.
type Poller struct {
	source        Source
	logger        *slog.Logger
	interval      time.Duration
	failureBudget int
}

// NewPoller 는 폴러를 생성한다. interval이 0이면 2초를 사용한다.
func NewPoller(source Source, logger *slog.Logger, interval time.Duration) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		source:        source,
		logger:        logger,
		interval:      interval,
		failureBudget: defaultFailureBudget,
	}
}

// Wait 는 종단 상태까지 폴링한다.
// REVIEWED 관측 시 진행률을 100으로 보정하고 리뷰 본문을 정확히 한 번 조회한다.
// 연속 조회 실패가 허용치에 도달하면 마지막 에러를 반환하고 중단한다.
func (p *Poller) Wait(ctx context.Context, submissionID string) (Outcome, error) {
	consecutiveFailures := 0

	for {
		st, err := p.source.Get(ctx, submissionID)
		if err != nil {
			consecutiveFailures++
			p.logger.Warn("status_poll_failed",
				"submission_id", submissionID,
				"consecutive_failures", consecutiveFailures,
				"err", err)
			if consecutiveFailures >= p.failureBudget {
				return Outcome{}, fmt.Errorf("status polling gave up after %d failures: %w", consecutiveFailures, err)
			}
		} else {
			consecutiveFailures = 0

			switch st.State {
			case StateReviewed:
				st.Progress = reviewedFinalProgress
				payload, err := p.source.FetchResult(ctx, submissionID)
				if err != nil {
					return Outcome{Status: st}, fmt.Errorf("fetch review payload: %w", err)
				}
				return Outcome{Status: st, Payload: payload}, nil
			case StateError:
				return Outcome{Status: st}, nil
			}
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		}
	}
}
