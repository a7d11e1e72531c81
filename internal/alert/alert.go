// Package alert: 반복 실패 작업에 대한 크리티컬 알림 발송을 담당한다.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/config"
)

// CriticalAlert 는 알림 페이로드이다.
type CriticalAlert struct {
	SubmissionID      string `json:"submissionId"`
	FailureCount      int    `json:"failureCount"`
	FailureReason     string `json:"failureReason"`
	OriginalQueueName string `json:"originalQueueName"`
}

// Notifier 는 크리티컬 알림을 외부로 전달한다.
// 발송 실패는 호출자가 로깅만 하고 절대 재전파하지 않는다.
type Notifier interface {
	Notify(ctx context.Context, alert CriticalAlert) error
}

// WebhookNotifier 는 JSON POST 웹훅 기반 Notifier 구현체이다.
type WebhookNotifier struct {
	client     *http.Client
	webhookURL string
	logger     *slog.Logger
}

// NewWebhookNotifier 는 웹훅 알림 발송기를 생성한다.
func NewWebhookNotifier(cfg config.AlertConfig, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client:     &http.Client{Timeout: timeout},
		webhookURL: cfg.WebhookURL,
		logger:     logger,
	}
}

// Notify 는 알림을 웹훅으로 전송한다.
func (n *WebhookNotifier) Notify(ctx context.Context, alert CriticalAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}

	n.logger.Info("critical_alert_sent",
		"submission_id", alert.SubmissionID,
		"failure_count", alert.FailureCount)
	return nil
}

// NopNotifier 는 웹훅 미설정 시 사용하는 무동작 구현체이다.
type NopNotifier struct{}

// Notify 는 아무것도 하지 않는다.
func (NopNotifier) Notify(context.Context, CriticalAlert) error { return nil }
