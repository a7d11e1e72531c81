package review

import (
	"context"
	"log/slog"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
)

// Enqueuer 는 리뷰 작업을 발행하고 초기 상태(PENDING)를 기록한다.
type Enqueuer struct {
	publisher *mq.StreamPublisher
	statuses  *status.Store
	logger    *slog.Logger
}

// NewEnqueuer 는 작업 발행기를 생성한다.
func NewEnqueuer(publisher *mq.StreamPublisher, statuses *status.Store, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{publisher: publisher, statuses: statuses, logger: logger}
}

// Enqueue 는 작업을 스트림에 발행한다. 상태는 PENDING이 된다.
// 상태 기록 실패는 발행을 무르지 않는다 (워커가 REVIEWING으로 덮어쓴다).
func (e *Enqueuer) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.SubmissionID == "" {
		return "", cerrors.MalformedJobError{Reason: "missing submission_id"}
	}
	if job.Model == "" {
		return "", cerrors.MalformedJobError{Reason: "missing model"}
	}
	if job.Prompt == "" {
		return "", cerrors.MalformedJobError{Reason: "missing prompt"}
	}
	if job.Attempts < 1 {
		job.Attempts = 1
	}

	if _, err := e.statuses.SetState(ctx, job.SubmissionID, status.StatePending, 0); err != nil {
		e.logger.Warn("enqueue_status_mark_failed",
			"submission_id", job.SubmissionID, "err", err)
	}

	messageID, err := e.publisher.Publish(ctx, job.streamFields())
	if err != nil {
		return "", err
	}

	e.logger.Info("review_job_enqueued",
		"submission_id", job.SubmissionID,
		"model", job.Model,
		"message_id", messageID)
	return messageID, nil
}
