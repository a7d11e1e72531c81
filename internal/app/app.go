package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmlee-dev/review-pipeline-go/internal/alert"
	"github.com/jmlee-dev/review-pipeline-go/internal/cache"
	"github.com/jmlee-dev/review-pipeline-go/internal/config"
	"github.com/jmlee-dev/review-pipeline-go/internal/cost"
	"github.com/jmlee-dev/review-pipeline-go/internal/deadletter"
	"github.com/jmlee-dev/review-pipeline-go/internal/health"
	"github.com/jmlee-dev/review-pipeline-go/internal/httpapi"
	"github.com/jmlee-dev/review-pipeline-go/internal/httpserver"
	"github.com/jmlee-dev/review-pipeline-go/internal/metrics"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/pricing"
	"github.com/jmlee-dev/review-pipeline-go/internal/review"
	"github.com/jmlee-dev/review-pipeline-go/internal/reviewer"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
	"github.com/jmlee-dev/review-pipeline-go/internal/telemetry"
	"github.com/jmlee-dev/review-pipeline-go/internal/usagedb"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

const (
	serviceName    = "reviewd"
	serviceVersion = "1.2.0"
)

// App 는 조립이 끝난 reviewd 인스턴스이다.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	tasks   []BackgroundTask
	handler *httpserverHandle
	cleanup []func()
}

type httpserverHandle struct {
	addr            string
	shutdownTimeout time.Duration
	deps            httpapi.Deps
	opts            httpserver.Options
}

// Initialize 는 설정으로부터 전체 의존성 그래프를 조립한다.
// 반환된 cleanup 함수는 종료 시 역순 정리를 수행한다.
func Initialize(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, func(), error) {
	app := &App{cfg: cfg, logger: logger}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry, serviceName, serviceVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry failed: %w", err)
	}
	app.onCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry_shutdown_failed", "err", err)
		}
	})

	// 데이터용/MQ용 클라이언트 분리. 블로킹 XREADGROUP이 캐시 커넥션을 막지 않게 한다.
	dataClient, err := valkeyx.NewClient(valkeyx.Config{
		Addr:        cfg.Valkey.Addr(),
		Password:    cfg.Valkey.Password,
		DB:          cfg.Valkey.DB,
		DialTimeout: cfg.Valkey.DialTimeout,
	})
	if err != nil {
		app.runCleanup()
		return nil, nil, fmt.Errorf("connect valkey failed: %w", err)
	}
	app.onCleanup(func() { valkeyx.Close(dataClient) })

	mqClient, err := valkeyx.NewClient(valkeyx.Config{
		Addr:         cfg.Valkey.Addr(),
		Password:     cfg.Valkey.Password,
		DB:           cfg.Valkey.DB,
		DialTimeout:  cfg.Valkey.DialTimeout,
		DisableCache: true,
	})
	if err != nil {
		app.runCleanup()
		return nil, nil, fmt.Errorf("connect valkey (mq) failed: %w", err)
	}
	app.onCleanup(func() { valkeyx.Close(mqClient) })

	if err := valkeyx.Ping(ctx, dataClient); err != nil {
		app.runCleanup()
		return nil, nil, err
	}

	table, err := pricing.LoadDefault()
	if err != nil {
		app.runCleanup()
		return nil, nil, fmt.Errorf("load pricing table failed: %w", err)
	}

	cacheStore := cache.NewStore(dataClient, logger, cfg.Review.CacheTTL)
	costs := cost.NewTracker(dataClient, logger, table)
	statuses := status.NewStore(dataClient, logger, cfg.Review.StatusTTL, cfg.Review.ResultTTL)
	dlqStore := deadletter.NewStore(dataClient, logger)
	metricsStore := metrics.NewStore()

	publisher := mq.NewStreamPublisher(mqClient, logger, mq.StreamPublisherConfig{
		Stream: cfg.Queue.Stream,
		MaxLen: cfg.Queue.MaxLen,
	})
	deadPublisher := mq.NewStreamPublisher(mqClient, logger, mq.StreamPublisherConfig{
		Stream: cfg.Queue.DeadStream,
		MaxLen: cfg.Queue.MaxLen,
	})

	reviewerClient := reviewer.NewClient(cfg.Reviewer, logger)
	worker := review.NewWorker(
		publisher, deadPublisher, cacheStore, costs, statuses,
		reviewerClient, metricsStore, logger, cfg.Queue.MaxAttempts,
	)

	var usageSource httpapi.UsageSource
	if cfg.Archive.Enabled {
		repo := usagedb.NewRepository(cfg.Archive, logger)
		archiver := usagedb.NewArchiver(repo, logger, cfg.Archive.FlushInterval, cfg.Archive.FlushTimeout)
		archiver.Start()
		worker.SetArchiver(archiver)
		usageSource = repo
		app.onCleanup(func() {
			archiver.Stop()
			repo.Close()
		})
	}

	var notifier alert.Notifier = alert.NopNotifier{}
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.NewWebhookNotifier(cfg.Alert, logger)
	}
	dlqWorker := deadletter.NewWorker(dlqStore, notifier, logger)

	// 처리 실패(재큐·데드레터 이관 자체가 실패한 경우)는 확인하지 않고 pending에 남겨
	// 회수 패스가 재전달하게 한다. 종단 상태 가드가 중복 전달을 걸러낸다.
	reviewConsumer := mq.NewStreamConsumer(mqClient, logger, mq.StreamConsumerConfig{
		Stream:        cfg.Queue.Stream,
		Group:         cfg.Queue.Group,
		Name:          cfg.Queue.ConsumerName,
		BatchSize:     cfg.Queue.BatchSize,
		Block:         cfg.Queue.Block,
		Concurrency:   cfg.Queue.Concurrency,
		AckOnError:    false,
		MaxDeliveries: int64(cfg.Queue.MaxAttempts),
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
	})
	// 데드레터 소비는 로그 트림 보호를 위해 동시성 1 고정이다
	deadConsumer := mq.NewStreamConsumer(mqClient, logger, mq.StreamConsumerConfig{
		Stream:        cfg.Queue.DeadStream,
		Group:         cfg.Queue.Group,
		Name:          cfg.Queue.ConsumerName,
		BatchSize:     1,
		Block:         cfg.Queue.Block,
		Concurrency:   1,
		MaxDeliveries: int64(cfg.Queue.DeadMaxAttempts),
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
	})

	app.tasks = []BackgroundTask{
		{
			Name:        "review-consumer",
			ErrorLogKey: "review_consumer_failed",
			Run: func(ctx context.Context) error {
				return reviewConsumer.Run(ctx, worker.Handle)
			},
		},
		{
			Name:        "dead-letter-consumer",
			ErrorLogKey: "dead_letter_consumer_failed",
			Run: func(ctx context.Context) error {
				return deadConsumer.Run(ctx, dlqWorker.Handle)
			},
		},
	}

	health.Init(serviceVersion)

	app.handler = &httpserverHandle{
		addr:            cfg.Server.Addr,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		deps: httpapi.Deps{
			Enqueuer:  review.NewEnqueuer(publisher, statuses, logger),
			Statuses:  statuses,
			Cache:     cacheStore,
			Costs:     costs,
			DLQ:       dlqStore,
			Metrics:   metricsStore,
			Usage:     usageSource,
			BudgetUSD: cfg.Review.BudgetUSD,
			Logger:    logger,
		},
		opts: httpserver.Options{
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
	}

	return app, app.runCleanup, nil
}

// Run 는 HTTP 서버와 소비자 루프를 실행한다. 종료 시까지 블로킹한다.
func (a *App) Run(ctx context.Context) error {
	server := httpserver.New(a.handler.addr, httpapi.Handler(a.handler.deps), a.handler.opts)
	return RunHTTPServer(ctx, a.logger, server, a.handler.shutdownTimeout, a.tasks...)
}

func (a *App) onCleanup(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

func (a *App) runCleanup() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
