package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/health"
	"turbomail/backend/internal/logger"
	"turbomail/backend/internal/middleware"
	"turbomail/backend/internal/monitoring"
	"turbomail/backend/internal/pool"
	"turbomail/backend/internal/service"
	"turbomail/backend/internal/storage"
	"turbomail/backend/internal/storage/filesystem"
	"turbomail/backend/internal/storage/hybrid"
	"turbomail/backend/internal/storage/memory"
	redisstore "turbomail/backend/internal/storage/redis"
	httptransport "turbomail/backend/internal/transport/http"
	"turbomail/backend/internal/websocket"
)

// newMailSubscriber 由支持跨进程事件的存储实现（Redis / 混合存储）。
// 多实例部署时新邮件事件经 Redis 广播，单机内存存储则走进程内通知。
type newMailSubscriber interface {
	SubscribeNewMail(ctx context.Context) *goredis.PubSub
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting turbomail server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("domains", cfg.Mail.AllowedDomains))

	// 运行期可变配置（API key、允许域名）
	runtime := config.NewRuntime(cfg)

	// 初始化主存储
	store, err := newStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// 原始报文归档（可选，失败只降级不中断启动）
	var rawStore service.RawStore
	if cfg.Storage.Path != "" {
		fsStore, fsErr := filesystem.NewStore(cfg.Storage.Path)
		if fsErr != nil {
			log.Warn("raw message archive disabled", zap.Error(fsErr))
		} else {
			rawStore = fsStore
			log.Info("raw message archive enabled", zap.String("path", cfg.Storage.Path))
		}
	}

	// 监控指标与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	// WebSocket 推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, metrics, log)

	// 扇出工作池
	workers := pool.NewWorkerPool(cfg.Ingest.FanoutWorkers, cfg.Ingest.FanoutWorkers*32, log)

	// 存储支持 Redis 广播时，事件统一经订阅桥接回 Hub，
	// 避免本进程的发布被通知两次。
	subscriber, crossProcess := store.(newMailSubscriber)
	var notifier service.Notifier
	if !crossProcess {
		notifier = wsHub
	}

	// 业务服务
	aliasService := service.NewAliasService(store, runtime, metrics, log)
	ingestService := service.NewIngestService(store, rawStore, notifier, workers, metrics, cfg.Ingest.WriteTimeout, log)
	inboxService := service.NewInboxService(store, log)
	statsService := service.NewStatsService(store)

	// HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Runtime:       runtime,
		IngestService: ingestService,
		AliasService:  aliasService,
		InboxService:  inboxService,
		StatsService:  statsService,
		WebSocketHub:  wsHub,
		Metrics:       metrics,
		Health:        healthChecker,
		RateLimiter:   middleware.NewRateLimiter(50, 100, metrics, log),
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if crossProcess {
		group.Go(func() error {
			return runNewMailBridge(groupCtx, subscriber, wsHub, log)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}

		workers.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}

// newStore 按配置选择存储后端。
//
//   - database.type 为空：单机内存存储
//   - database.type = "redis"：全量 Redis 存储
//   - database.type = "mysql" / "postgres"：关系库 + Redis 混合存储
func newStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Type {
	case "":
		log.Info("using in-memory storage")
		return memory.NewStore(), nil
	case "redis":
		client, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		log.Info("using redis storage", zap.String("address", cfg.Redis.Address))
		return redisstore.NewStore(client, log), nil
	case "mysql", "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database.dsn is required for %s storage", cfg.Database.Type)
		}
		log.Info("using hybrid storage",
			zap.String("database", cfg.Database.Type),
			zap.String("redis", cfg.Redis.Address))
		return hybrid.NewStore(cfg.Database.Type, cfg.Database.DSN, &cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

// runNewMailBridge 把 Redis 上的新邮件事件转发给本进程的 WebSocket Hub。
func runNewMailBridge(ctx context.Context, sub newMailSubscriber, hub *websocket.Hub, log *zap.Logger) error {
	pubsub := sub.SubscribeNewMail(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Info("new mail bridge started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var summary domain.MessageSummary
			if err := json.Unmarshal([]byte(msg.Payload), &summary); err != nil {
				log.Warn("malformed new mail event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			hub.NotifyNewMail(strings.TrimPrefix(msg.Channel, "new_mail:"), &summary)
		}
	}
}
