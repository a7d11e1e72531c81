package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/alert"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
)

// FieldPayload 는 데드레터 스트림 메시지에서 작업 JSON이 담기는 필드명이다.
const FieldPayload = "payload"

// 알림 격상 기준 실패 횟수
const alertFailureThreshold = 3

// Worker 는 데드레터 큐의 소비 핸들러이다.
// 로그 리스트 트림이 동시 쓰기에 안전하지 않으므로 소비 동시성은 반드시 1이어야 한다.
type Worker struct {
	store    *Store
	notifier alert.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker 는 데드레터 워커를 생성한다.
func NewWorker(store *Store, notifier alert.Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = alert.NopNotifier{}
	}
	return &Worker{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle 는 데드레터 메시지 한 건을 처리한다.
// 기록 실패는 에러로 전파되어 큐 계층의 재시도 대상이 되고,
// 해석 불가능한 메시지는 재시도해도 소용없으므로 기록만 남기고 버린다.
func (w *Worker) Handle(ctx context.Context, msg mq.XMessage) error {
	job, err := w.decode(msg)
	if err != nil {
		var malformed cerrors.MalformedJobError
		if errors.As(err, &malformed) {
			w.logger.Error("dead_letter_malformed_dropped",
				"message_id", msg.ID, "err", err)
			return nil
		}
		return err
	}

	if err := w.store.RecordFailure(ctx, job, w.now()); err != nil {
		return err
	}

	if job.FailureCount >= alertFailureThreshold {
		w.escalate(ctx, job)
	}
	return nil
}

func (w *Worker) decode(msg mq.XMessage) (DeadLetterJob, error) {
	raw, ok := msg.Values[FieldPayload]
	if !ok || raw == "" {
		return DeadLetterJob{}, cerrors.MalformedJobError{Reason: "missing payload field"}
	}

	var job DeadLetterJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return DeadLetterJob{}, cerrors.MalformedJobError{Reason: "invalid payload json: " + err.Error()}
	}
	if job.SubmissionID == "" {
		return DeadLetterJob{}, cerrors.MalformedJobError{Reason: "missing submissionId"}
	}
	return job, nil
}

// escalate 는 알림을 발송한다. 발송 실패는 로깅만 하고 전파하지 않는다.
func (w *Worker) escalate(ctx context.Context, job DeadLetterJob) {
	err := w.notifier.Notify(ctx, alert.CriticalAlert{
		SubmissionID:      job.SubmissionID,
		FailureCount:      job.FailureCount,
		FailureReason:     job.FailureReason.String(),
		OriginalQueueName: job.OriginalQueueName,
	})
	if err != nil {
		w.logger.Error("critical_alert_dispatch_failed",
			"submission_id", job.SubmissionID,
			"failure_count", job.FailureCount,
			"err", err)
	}
}
