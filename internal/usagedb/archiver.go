package usagedb

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type usageKey struct {
	date  time.Time
	model string
}

type usageDelta struct {
	inputTokens  int64
	outputTokens int64
	requestCount int64
	costUSD      float64
}

// usageRecorder 는 플러시 대상 저장소이다. 테스트에서 대체 구현을 주입한다.
type usageRecorder interface {
	RecordUsage(ctx context.Context, delta DailyUsage) error
}

// Archiver 는 사용량 델타를 모아 주기적으로 DB에 플러시한다.
// 플러시 실패 시 델타는 보존되어 다음 주기에 다시 시도된다.
type Archiver struct {
	repo          usageRecorder
	logger        *slog.Logger
	flushInterval time.Duration
	flushTimeout  time.Duration

	mu      sync.Mutex
	pending map[usageKey]*usageDelta

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewArchiver 는 배치 플러셔를 생성한다.
func NewArchiver(repo usageRecorder, logger *slog.Logger, flushInterval, flushTimeout time.Duration) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &Archiver{
		repo:          repo,
		logger:        logger,
		flushInterval: flushInterval,
		flushTimeout:  flushTimeout,
		pending:       make(map[usageKey]*usageDelta),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start 는 플러시 루프를 시작한다.
func (a *Archiver) Start() {
	go a.loop()
}

// Stop 는 남은 델타를 플러시하고 루프를 종료한다.
func (a *Archiver) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// Add 는 리뷰 한 건의 사용량을 누적한다.
func (a *Archiver) Add(model string, inputTokens, outputTokens int64, costUSD float64) {
	if inputTokens <= 0 && outputTokens <= 0 {
		return
	}

	key := usageKey{date: todayDate(), model: model}

	a.mu.Lock()
	delta := a.pending[key]
	if delta == nil {
		delta = &usageDelta{}
		a.pending[key] = delta
	}
	delta.inputTokens += inputTokens
	delta.outputTokens += outputTokens
	delta.requestCount++
	delta.costUSD += costUSD
	a.mu.Unlock()
}

func (a *Archiver) loop() {
	ticker := time.NewTicker(a.flushInterval)
	defer func() {
		ticker.Stop()
		close(a.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			a.flush()
			return
		}
	}
}

func (a *Archiver) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[usageKey]*usageDelta)
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()

	for key, delta := range batch {
		err := a.repo.RecordUsage(ctx, DailyUsage{
			UsageDate:    key.date,
			Model:        key.model,
			InputTokens:  delta.inputTokens,
			OutputTokens: delta.outputTokens,
			RequestCount: delta.requestCount,
			CostUSD:      delta.costUSD,
		})
		if err != nil {
			a.requeue(key, delta)
			a.logger.Warn("usage_archive_flush_failed",
				"model", key.model, "date", key.date.Format("2006-01-02"), "err", err)
		}
	}
}

// requeue 는 플러시하지 못한 델타를 다음 주기의 누적분에 되돌린다.
func (a *Archiver) requeue(key usageKey, delta *usageDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing := a.pending[key]
	if existing == nil {
		a.pending[key] = delta
		return
	}
	existing.inputTokens += delta.inputTokens
	existing.outputTokens += delta.outputTokens
	existing.requestCount += delta.requestCount
	existing.costUSD += delta.costUSD
}
