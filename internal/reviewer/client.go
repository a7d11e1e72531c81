// Package reviewer: 외부 리뷰어 서비스(REST) 호출 클라이언트를 제공한다.
// 리뷰 판정 로직 자체는 외부 서비스 소관이며 여기서는 전송만 담당한다.
package reviewer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/config"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/httpclient"
	"github.com/jmlee-dev/review-pipeline-go/internal/httputil"
)

const maxResponseBytes = 4 * 1024 * 1024

// Reviewer 는 리뷰 요청을 수행하는 인터페이스이다. 워커는 구현체를 주입받는다.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Result, error)
}

// Client 는 HTTP 기반 Reviewer 구현체이다.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient 는 설정으로부터 리뷰어 클라이언트를 생성한다.
func NewClient(cfg config.ReviewerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpclient.New(httpclient.Config{
			Timeout:        cfg.Timeout,
			ConnectTimeout: cfg.ConnectTimeout,
			HTTP2Enabled:   cfg.HTTP2Enabled,
		}),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// Review 는 리뷰 요청을 전송하고 결과와 토큰 사용량을 반환한다.
func (c *Client) Review(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, cerrors.ReviewerError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/reviews", bytes.NewReader(body),
	)
	if err != nil {
		return Result{}, cerrors.ReviewerError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(httputil.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("reviewer_request_failed",
			"submission_id", req.SubmissionID, "err", err)
		return Result{}, cerrors.ReviewerError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, cerrors.ReviewerError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("reviewer_http_failed",
			"submission_id", req.SubmissionID,
			"status", resp.StatusCode,
			"body", strings.TrimSpace(string(respBody)))
		return Result{}, cerrors.ReviewerError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, cerrors.ReviewerError{Status: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	c.logger.Debug("reviewer_call_done",
		"submission_id", req.SubmissionID,
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
