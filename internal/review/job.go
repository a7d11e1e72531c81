// Package review: 리뷰 작업의 발행과 소비(오케스트레이션)를 담당한다.
package review

import (
	"strconv"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
)

// 스트림 메시지 필드명. 트레이스 컨텍스트 필드는 발행자가 별도로 주입한다.
const (
	fieldSubmissionID = "submission_id"
	fieldUserID       = "user_id"
	fieldModel        = "model"
	fieldPrompt       = "prompt"
	fieldAttempts     = "attempts"
)

// Job 는 리뷰 작업 한 건이다. Attempts는 1부터 시작한다.
type Job struct {
	SubmissionID string
	UserID       string
	Model        string
	Prompt       string
	Attempts     int
}

// streamFields 는 작업을 스트림 메시지 필드 맵으로 변환한다.
func (j Job) streamFields() map[string]string {
	return map[string]string{
		fieldSubmissionID: j.SubmissionID,
		fieldUserID:       j.UserID,
		fieldModel:        j.Model,
		fieldPrompt:       j.Prompt,
		fieldAttempts:     strconv.Itoa(j.Attempts),
	}
}

// decodeJob 는 스트림 메시지를 작업으로 해석한다.
// 필수 필드가 없으면 MalformedJobError를 반환한다.
func decodeJob(msg mq.XMessage) (Job, error) {
	job := Job{
		SubmissionID: msg.Values[fieldSubmissionID],
		UserID:       msg.Values[fieldUserID],
		Model:        msg.Values[fieldModel],
		Prompt:       msg.Values[fieldPrompt],
		Attempts:     1,
	}
	if job.SubmissionID == "" {
		return Job{}, cerrors.MalformedJobError{Reason: "missing submission_id"}
	}
	if job.Model == "" {
		return Job{}, cerrors.MalformedJobError{Reason: "missing model"}
	}
	if job.Prompt == "" {
		return Job{}, cerrors.MalformedJobError{Reason: "missing prompt"}
	}
	if raw := msg.Values[fieldAttempts]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil || attempts < 1 {
			return Job{}, cerrors.MalformedJobError{Reason: "invalid attempts: " + raw}
		}
		job.Attempts = attempts
	}
	return job, nil
}
