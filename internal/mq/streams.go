// Package mq: Valkey Streams 기반 작업 큐의 발행/소비를 담당한다.
// Consumer Group을 통해 최소 1회 전달(at-least-once)을 보장한다.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmlee-dev/review-pipeline-go/internal/telemetry"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

// StreamConsumerConfig: 스트림 소비자 설정 구조체
type StreamConsumerConfig struct {
	Stream string
	Group  string
	Name   string

	BatchSize   int64
	Block       time.Duration
	Concurrency int

	AckOnError bool

	AckMaxRetries  int
	AckRetryDelay  time.Duration
	GroupStartFrom string

	// MaxDeliveries: 메시지당 허용되는 총 전달 횟수. 0이면 보류 메시지 회수를 하지 않는다.
	// 미확인(pending) 상태로 남은 메시지는 ClaimMinIdle 이상 유휴일 때 XCLAIM으로 회수하며,
	// 전달 횟수가 한도에 도달한 메시지는 확인 처리 후 버린다.
	MaxDeliveries int64
	ClaimMinIdle  time.Duration

	// Backoff: 연결 에러 재시도 설정
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
}

// XMessage: 스트림에서 읽어온 메시지 구조체
type XMessage struct {
	ID     string
	Values map[string]string
}

// StreamConsumer: Consumer Group을 사용하여 스트림 메시지를 처리하는 소비자
type StreamConsumer struct {
	client valkey.Client
	logger *slog.Logger
	cfg    StreamConsumerConfig
}

// NewStreamConsumer: 새로운 StreamConsumer 인스턴스를 생성합니다.
func NewStreamConsumer(client valkey.Client, logger *slog.Logger, cfg StreamConsumerConfig) *StreamConsumer {
	return &StreamConsumer{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Run: 메시지 소비 루프를 실행합니다. (블로킹 방식)
func (c *StreamConsumer) Run(ctx context.Context, handler func(ctx context.Context, msg XMessage) error) error {
	cfg, err := c.normalizedConfig()
	if err != nil {
		return err
	}

	if err := c.ensureGroup(ctx, cfg); err != nil {
		return err
	}

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := cfg.BackoffInitial
	var lastClaim time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		if cfg.MaxDeliveries > 0 && time.Since(lastClaim) >= claimPassInterval(cfg) {
			c.claimPending(ctx, cfg, sem, &wg, handler)
			lastClaim = time.Now()
		}

		messages, err := c.readBatch(ctx, cfg)
		if err != nil {
			if valkeyx.IsNil(err) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
				backoff = cfg.BackoffInitial // 블록 타임아웃은 정상 상황
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}

			// NOGROUP 에러 시 컨슈머 그룹 자동 재생성 시도
			if isNoGroupOrNoStreamErr(err) {
				c.logger.Info("consumer_group_missing_recreating", "stream", cfg.Stream, "group", cfg.Group)
				if recreateErr := c.ensureGroup(ctx, cfg); recreateErr != nil {
					c.logger.Warn("consumer_group_recreate_failed", "err", recreateErr, "stream", cfg.Stream, "group", cfg.Group)
				} else {
					backoff = cfg.BackoffInitial
					continue
				}
			}

			c.logger.Warn("xreadgroup_failed", "err", err, "stream", cfg.Stream, "group", cfg.Group, "backoff", backoff)

			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.BackoffMax {
				backoff = cfg.BackoffMax
			}
			continue
		}

		backoff = cfg.BackoffInitial

		for _, msg := range messages {
			if ctx.Err() != nil {
				return nil
			}
			c.spawnHandler(ctx, cfg, sem, &wg, msg, handler)
		}
	}
}

func (c *StreamConsumer) readBatch(ctx context.Context, cfg StreamConsumerConfig) ([]XMessage, error) {
	cmd := c.client.B().Xreadgroup().
		Group(cfg.Group, cfg.Name).
		Count(cfg.BatchSize).
		Block(cfg.Block.Milliseconds()).
		Streams().Key(cfg.Stream).Id(">").
		Build()

	result, err := c.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []XMessage
	for stream, entries := range result {
		if stream != cfg.Stream {
			continue
		}
		for _, entry := range entries {
			messages = append(messages, XMessage{
				ID:     entry.ID,
				Values: entry.FieldValues,
			})
		}
	}
	return messages, nil
}

// claimPending: 다른(또는 죽은) 소비자에게 전달됐지만 확인되지 않은 메시지를 회수한다.
// 전달 횟수가 MaxDeliveries에 도달한 메시지는 재처리 가망이 없다고 보고 확인 후 버린다.
func (c *StreamConsumer) claimPending(
	ctx context.Context,
	cfg StreamConsumerConfig,
	sem chan struct{},
	wg *sync.WaitGroup,
	handler func(ctx context.Context, msg XMessage) error,
) {
	pendCmd := c.client.B().Xpending().
		Key(cfg.Stream).Group(cfg.Group).
		Start("-").End("+").Count(cfg.BatchSize).
		Build()
	entries, err := c.client.Do(ctx, pendCmd).ToArray()
	if err != nil {
		if !valkeyx.IsNil(err) && !isNoGroupOrNoStreamErr(err) {
			c.logger.Warn("xpending_failed", "err", err, "stream", cfg.Stream, "group", cfg.Group)
		}
		return
	}

	minIdleMs := cfg.ClaimMinIdle.Milliseconds()
	for _, entry := range entries {
		fields, err := entry.ToArray()
		if err != nil || len(fields) < 4 {
			continue
		}
		id, _ := fields[0].ToString()
		idleMs, _ := fields[2].AsInt64()
		deliveries, _ := fields[3].AsInt64()

		if idleMs < minIdleMs {
			continue
		}
		if deliveries >= cfg.MaxDeliveries {
			if ackErr := c.ackWithRetry(ctx, cfg, id); ackErr != nil {
				c.logger.Warn("pending_drop_ack_failed", "err", ackErr, "stream", cfg.Stream, "id", id)
				continue
			}
			c.logger.Warn("pending_message_dropped",
				"stream", cfg.Stream,
				"group", cfg.Group,
				"id", id,
				"deliveries", deliveries,
			)
			continue
		}

		claimCmd := c.client.B().Xclaim().
			Key(cfg.Stream).Group(cfg.Group).Consumer(cfg.Name).
			MinIdleTime(strconv.FormatInt(minIdleMs, 10)).
			Id(id).
			Build()
		claimed, err := c.client.Do(ctx, claimCmd).AsXRange()
		if err != nil {
			c.logger.Warn("xclaim_failed", "err", err, "stream", cfg.Stream, "id", id)
			continue
		}
		for _, e := range claimed {
			c.spawnHandler(ctx, cfg, sem, wg, XMessage{ID: e.ID, Values: e.FieldValues}, handler)
		}
	}
}

func claimPassInterval(cfg StreamConsumerConfig) time.Duration {
	if cfg.ClaimMinIdle > 0 {
		return cfg.ClaimMinIdle
	}
	return time.Second
}

func (c *StreamConsumer) spawnHandler(
	ctx context.Context,
	cfg StreamConsumerConfig,
	sem chan struct{},
	wg *sync.WaitGroup,
	msg XMessage,
	handler func(ctx context.Context, msg XMessage) error,
) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	wg.Add(1)

	go func(m XMessage) {
		defer wg.Done()
		defer func() { <-sem }()

		c.handleMessage(ctx, cfg, m, handler)
	}(msg)
}

func (c *StreamConsumer) handleMessage(
	ctx context.Context,
	cfg StreamConsumerConfig,
	msg XMessage,
	handler func(ctx context.Context, msg XMessage) error,
) {
	tracer := otel.Tracer("review-pipeline-go/valkey-consumer")

	// 메시지 필드에서 부모 trace context 추출 (발행 측에서 주입한 경우)
	carrier := telemetry.MapCarrier(msg.Values)
	parentCtx := telemetry.ExtractContext(ctx, carrier)

	spanCtx, span := tracer.Start(parentCtx, "Valkey.ProcessMessage",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "valkey"),
			attribute.String("messaging.destination", cfg.Stream),
			attribute.String("messaging.message_id", msg.ID),
			attribute.String("messaging.consumer_group", cfg.Group),
		),
	)
	defer span.End()

	handleErr := handler(spanCtx, msg)
	if handleErr != nil {
		span.RecordError(handleErr)
		span.SetStatus(codes.Error, handleErr.Error())
		c.logger.ErrorContext(spanCtx, "message_handler_failed",
			"err", handleErr,
			"stream", cfg.Stream,
			"id", msg.ID,
		)
		if !cfg.AckOnError {
			return
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if errAck := c.ackWithRetry(spanCtx, cfg, msg.ID); errAck != nil {
		c.logger.WarnContext(spanCtx, "xack_failed",
			"err", errAck,
			"stream", cfg.Stream,
			"id", msg.ID,
		)
	}
}

func (c *StreamConsumer) normalizedConfig() (StreamConsumerConfig, error) {
	cfg := c.cfg
	cfg.Stream = strings.TrimSpace(cfg.Stream)
	cfg.Group = strings.TrimSpace(cfg.Group)
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Stream == "" || cfg.Group == "" || cfg.Name == "" {
		return StreamConsumerConfig{}, errors.New("stream/group/name must be set")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.AckMaxRetries <= 0 {
		cfg.AckMaxRetries = 1
	}
	if cfg.AckRetryDelay <= 0 {
		cfg.AckRetryDelay = 100 * time.Millisecond
	}
	if strings.TrimSpace(cfg.GroupStartFrom) == "" {
		cfg.GroupStartFrom = "$"
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	return cfg, nil
}

func (c *StreamConsumer) ensureGroup(ctx context.Context, cfg StreamConsumerConfig) error {
	cmd := c.client.B().XgroupCreate().Key(cfg.Stream).Group(cfg.Group).Id(cfg.GroupStartFrom).Mkstream().Build()
	err := c.client.Do(ctx, cmd).Error()
	if err != nil && !valkeyx.IsBusyGroup(err) {
		return fmt.Errorf("xgroup create failed stream=%s group=%s: %w", cfg.Stream, cfg.Group, err)
	}

	consumerCmd := c.client.B().XgroupCreateconsumer().Key(cfg.Stream).Group(cfg.Group).Consumer(cfg.Name).Build()
	_ = c.client.Do(ctx, consumerCmd).Error()
	return nil
}

func (c *StreamConsumer) ackWithRetry(ctx context.Context, cfg StreamConsumerConfig, id string) error {
	var lastErr error
	for attempt := 0; attempt < cfg.AckMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		cmd := c.client.B().Xack().Key(cfg.Stream).Group(cfg.Group).Id(id).Build()
		err := c.client.Do(ctx, cmd).Error()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < cfg.AckMaxRetries-1 {
			if !sleepWithContext(ctx, cfg.AckRetryDelay) {
				return nil
			}
		}
	}
	return lastErr
}

func isNoGroupOrNoStreamErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NOGROUP") ||
		strings.Contains(strings.ToLower(msg), "no such key") ||
		strings.Contains(msg, "requires the key to exist")
}

// sleepWithContext: context 취소를 지원하는 sleep
// 정상 대기 완료 시 true, context 취소 시 false 반환
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
