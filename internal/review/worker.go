package review

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/cache"
	"github.com/jmlee-dev/review-pipeline-go/internal/cost"
	"github.com/jmlee-dev/review-pipeline-go/internal/deadletter"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/metrics"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/reviewer"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
)

// UsageArchiver 는 사용량 영구 보관 싱크이다. nil이면 보관을 생략한다.
type UsageArchiver interface {
	Add(model string, inputTokens, outputTokens int64, costUSD float64)
}

const reviewingProgress = 25

// Worker 는 리뷰 작업 소비자이다.
// 캐시 조회 → (미스 시) 외부 리뷰어 호출 → 비용 집계 → 캐시 적재 → 결과 저장
// 순서로 처리하며, 실패 시 재발행 기반 재시도와 데드레터 이관을 수행한다.
type Worker struct {
	publisher     *mq.StreamPublisher
	deadPublisher *mq.StreamPublisher
	cache         *cache.Store
	costs         *cost.Tracker
	statuses      *status.Store
	reviewer      reviewer.Reviewer
	metrics       *metrics.Store
	archiver      UsageArchiver
	logger        *slog.Logger
	maxAttempts   int
}

// SetArchiver 는 사용량 영구 보관 싱크를 연결한다.
func (w *Worker) SetArchiver(archiver UsageArchiver) {
	w.archiver = archiver
}

// NewWorker 는 리뷰 워커를 생성한다.
func NewWorker(
	publisher *mq.StreamPublisher,
	deadPublisher *mq.StreamPublisher,
	cacheStore *cache.Store,
	costs *cost.Tracker,
	statuses *status.Store,
	rev reviewer.Reviewer,
	metricsStore *metrics.Store,
	logger *slog.Logger,
	maxAttempts int,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		publisher:     publisher,
		deadPublisher: deadPublisher,
		cache:         cacheStore,
		costs:         costs,
		statuses:      statuses,
		reviewer:      rev,
		metrics:       metricsStore,
		logger:        logger,
		maxAttempts:   maxAttempts,
	}
}

// Handle 는 스트림 메시지 한 건을 처리한다.
// 반환값 nil은 메시지를 ACK해도 된다는 뜻이다. 재시도는 재발행으로 표현되므로
// 처리 실패라도 재발행/데드레터 이관이 성공했다면 nil을 반환한다.
func (w *Worker) Handle(ctx context.Context, msg mq.XMessage) error {
	job, err := decodeJob(msg)
	if err != nil {
		w.logger.Error("review_job_malformed", "message_id", msg.ID, "err", err)
		return w.redirectToDeadLetter(ctx, Job{SubmissionID: msg.Values[fieldSubmissionID], Attempts: 1}, err)
	}

	applied, err := w.statuses.SetState(ctx, job.SubmissionID, status.StateReviewing, reviewingProgress)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	if !applied {
		// 이미 종단 상태이므로 중복 전달로 보고 조용히 버린다
		w.logger.Warn("review_job_already_terminal", "submission_id", job.SubmissionID)
		return nil
	}

	if err := w.process(ctx, job); err != nil {
		return w.fail(ctx, job, err)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job Job) error {
	payload, hit := w.cache.Get(ctx, job.Model, job.Prompt)
	if hit {
		w.metrics.RecordCacheHit()
		w.logger.Info("review_cache_hit", "submission_id", job.SubmissionID, "model", job.Model)
		return w.complete(ctx, job, string(payload))
	}

	start := time.Now()
	result, err := w.reviewer.Review(ctx, reviewer.Request{
		SubmissionID: job.SubmissionID,
		Model:        job.Model,
		Prompt:       job.Prompt,
	})
	if err != nil {
		w.metrics.RecordError(time.Since(start))
		return err
	}
	w.metrics.RecordSuccess(time.Since(start), result.InputTokens, result.OutputTokens)

	costUSD := w.costs.TrackUsage(ctx, cost.UsageRecord{
		Model:        job.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		UserID:       job.UserID,
		SubmissionID: job.SubmissionID,
	})
	if w.archiver != nil {
		w.archiver.Add(job.Model, result.InputTokens, result.OutputTokens, costUSD)
	}
	w.logger.Info("review_completed",
		"submission_id", job.SubmissionID,
		"model", job.Model,
		"attempts", job.Attempts,
		"cost_usd", costUSD,
		"duration_ms", time.Since(start).Milliseconds())

	w.cache.Set(ctx, job.Model, job.Prompt, []byte(result.Payload))
	return w.complete(ctx, job, result.Payload)
}

func (w *Worker) complete(ctx context.Context, job Job, payload string) error {
	if err := w.statuses.StoreResult(ctx, job.SubmissionID, payload); err != nil {
		return err
	}
	if _, err := w.statuses.SetState(ctx, job.SubmissionID, status.StateReviewed, 100); err != nil {
		return err
	}
	return nil
}

// fail 는 처리 실패를 재시도 또는 데드레터 이관으로 수렴시킨다.
// 재시도 중에는 상태가 REVIEWING으로 유지되어 폴링 소비자에게 드러나지 않는다.
func (w *Worker) fail(ctx context.Context, job Job, cause error) error {
	if cerrors.IsRetryable(cause) && job.Attempts < w.maxAttempts {
		return w.requeue(ctx, job, cause)
	}
	return w.redirectToDeadLetter(ctx, job, cause)
}

func (w *Worker) requeue(ctx context.Context, job Job, cause error) error {
	retry := job
	retry.Attempts = job.Attempts + 1

	if _, err := w.publisher.Publish(ctx, retry.streamFields()); err != nil {
		w.logger.Error("review_requeue_failed",
			"submission_id", job.SubmissionID, "attempts", job.Attempts, "err", err)
		return err
	}

	w.logger.Warn("review_job_requeued",
		"submission_id", job.SubmissionID,
		"next_attempt", retry.Attempts,
		"max_attempts", w.maxAttempts,
		"err", cause)
	return nil
}

func (w *Worker) redirectToDeadLetter(ctx context.Context, job Job, cause error) error {
	dead := deadletter.DeadLetterJob{
		OriginalJobID:     job.SubmissionID,
		SubmissionID:      job.SubmissionID,
		FailureReason:     categorize(cause),
		FailureCount:      job.Attempts,
		OriginalQueueName: w.publisher.Stream(),
		FailedAt:          time.Now().UTC(),
	}

	payload, err := json.Marshal(dead)
	if err != nil {
		return err
	}
	if _, err := w.deadPublisher.Publish(ctx, map[string]string{
		deadletter.FieldPayload: string(payload),
	}); err != nil {
		w.logger.Error("dead_letter_publish_failed",
			"submission_id", job.SubmissionID, "err", err)
		return err
	}

	if job.SubmissionID != "" {
		if _, err := w.statuses.SetState(ctx, job.SubmissionID, status.StateError, 0); err != nil {
			w.logger.Error("status_error_mark_failed",
				"submission_id", job.SubmissionID, "err", err)
		}
	}

	w.logger.Error("review_job_dead_lettered",
		"submission_id", job.SubmissionID,
		"attempts", job.Attempts,
		"category", dead.FailureReason.Category,
		"err", cause)
	return nil
}

// categorize 는 실패 원인을 안정적인 분류 태그로 변환한다.
func categorize(err error) deadletter.FailureReason {
	if err == nil {
		return deadletter.FailureReason{Category: deadletter.CategoryUnknown}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return deadletter.FailureReason{Category: deadletter.CategoryTimeout, Message: err.Error()}
	}

	var malformed cerrors.MalformedJobError
	if errors.As(err, &malformed) {
		return deadletter.FailureReason{Category: deadletter.CategoryMalformedJob, Message: err.Error()}
	}
	var revErr cerrors.ReviewerError
	if errors.As(err, &revErr) {
		return deadletter.FailureReason{Category: deadletter.CategoryReviewerError, Message: err.Error()}
	}
	var redisErr cerrors.RedisError
	if errors.As(err, &redisErr) {
		return deadletter.FailureReason{Category: deadletter.CategoryStoreError, Message: err.Error()}
	}
	return deadletter.FailureReason{Category: deadletter.CategoryUnknown, Message: err.Error()}
}
