package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailmask/backend/internal/cache"
	"mailmask/backend/internal/config"
	"mailmask/backend/internal/crypto"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/forward"
	"mailmask/backend/internal/health"
	"mailmask/backend/internal/logger"
	"mailmask/backend/internal/monitoring"
	"mailmask/backend/internal/service"
	"mailmask/backend/internal/smtp"
	"mailmask/backend/internal/storage"
	"mailmask/backend/internal/storage/memory"
	redisstore "mailmask/backend/internal/storage/redis"
	sqlstore "mailmask/backend/internal/storage/sql"
	httptransport "mailmask/backend/internal/transport/http"
)

// main 启动收信转发服务：SMTP 入口、运维 HTTP 和后台清理任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
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
	log.Info("starting mailmask server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 主密钥在任何监听器启动前校验，无效直接退出
	engine, err := crypto.NewEngineFromString(cfg.Crypto.MasterKey)
	if err != nil {
		log.Fatal("invalid master key", zap.Error(err))
	}

	// 存储层：配置了数据库就用数据库，否则退回内存存储
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(&cfg.Database)
		if err != nil {
			log.Fatal("failed to initialize database storage", zap.Error(err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Warn("using in-memory storage, data will not survive restarts")
	}
	defer store.Close()

	// 缓存与限流计数器：Redis 可用时共用一个连接，
	// 未启用时退化为进程内实现
	var (
		dirCache    storage.Cache
		counter     storage.Counter
		redisClient *redisstore.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisstore.New(&cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		dirCache = redisClient
		counter = redisClient
		log.Info("redis connected", zap.String("address", cfg.Redis.Address))
	} else {
		dirCache = cache.NewLocalCache(cfg.Lifecycle.CacheTTL)
		if mem, ok := store.(*memory.Store); ok {
			counter = mem
		} else {
			counter = memory.NewCounter()
		}
		log.Info("redis disabled, using in-process cache and counters")
	}

	// 服务层
	directory := service.NewDirectoryService(store, store, dirCache, cfg, log)
	guard := service.NewGuardService(counter, engine, cfg, log)
	lifecycle := service.NewLifecycleService(store, engine, directory, cfg, log)

	// 出站通道包一层熔断，外发故障时快速失败
	baseTransport, err := forward.NewTransport(&cfg.Transport, log)
	if err != nil {
		log.Fatal("failed to initialize outbound transport", zap.Error(err))
	}
	outbound := forward.NewBreakerTransport(baseTransport, log)
	monitoring.RegisterBreakerState(func() float64 {
		return float64(outbound.State())
	})
	log.Info("outbound transport ready", zap.String("kind", baseTransport.Name()))

	// 配置里的收信域写入存储，缺失时补齐
	bootstrapDomains(store, cfg.SMTP.Domains, log)

	// SMTP 收信服务器
	composer := forward.NewComposer(cfg.SMTP.MaxMessageBytes)
	backend := smtp.NewBackend(directory, guard, lifecycle, engine, composer, outbound, &cfg.SMTP, log)
	smtpServer := gosmtp.NewServer(backend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Hostname
	smtpServer.ReadTimeout = cfg.SMTP.ReadTimeout
	smtpServer.WriteTimeout = cfg.SMTP.WriteTimeout
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = cfg.SMTP.MaxRecipients

	// 运维 HTTP 服务器
	checker := health.NewChecker(store)
	if redisClient != nil {
		checker.AddRedisCheck(redisClient.Ping)
	}
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Store:     store,
		Health:    checker,
		Logger:    log,
		StartedAt: time.Now(),
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting ops HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("hostname", cfg.SMTP.Hostname),
			zap.Strings("domains", cfg.SMTP.Domains),
		)
		if err := smtpServer.ListenAndServe(); err != nil && err != gosmtp.ErrServerClosed {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		runReapers(groupCtx, lifecycle, store, cfg.Lifecycle.ReaperInterval, log)
		return nil
	})

	if cfg.Alerting.Enabled {
		alerts := monitoring.NewAlertManager(log)
		alerts.AddReceiver(monitoring.NewLogAlertReceiver(log))
		if cfg.Alerting.WebhookURL != "" {
			alerts.AddReceiver(monitoring.NewWebhookAlertReceiver(cfg.Alerting.WebhookURL))
		}
		alerts.AddRule(monitoring.DatabaseDownRule(store))
		alerts.AddRule(monitoring.OutboundBreakerOpenRule(func() bool {
			return outbound.State() == gobreaker.StateOpen
		}))
		alerts.AddRule(monitoring.HighMemoryRule(1024))
		group.Go(func() error {
			alerts.Run(groupCtx, cfg.Alerting.Interval)
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// bootstrapDomains 把配置的收信域注册为启用状态，已存在的保持原样。
func bootstrapDomains(store storage.Store, names []string, log *zap.Logger) {
	existing, err := store.ListDomains()
	if err != nil {
		log.Error("failed to list domains during bootstrap", zap.Error(err))
		return
	}

	byName := make(map[string]bool, len(existing))
	hasDefault := false
	for _, d := range existing {
		byName[d.Name] = true
		if d.IsDefault {
			hasDefault = true
		}
	}

	now := time.Now().UTC()
	for i, name := range names {
		if byName[name] {
			continue
		}

		d := &domain.Domain{
			ID:        uuid.NewString(),
			Name:      name,
			IsActive:  true,
			IsPublic:  true,
			IsDefault: !hasDefault && i == 0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.SaveDomain(d); err != nil {
			log.Error("failed to register accepted domain",
				zap.String("domain", name),
				zap.Error(err),
			)
			continue
		}
		log.Info("accepted domain registered",
			zap.String("domain", name),
			zap.Bool("default", d.IsDefault),
		)
	}
}

// runReapers 周期性执行生命周期清理，直到上下文取消。
func runReapers(ctx context.Context, lifecycle *service.LifecycleService, store storage.Store, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("starting lifecycle reapers", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("lifecycle reapers stopped")
			return
		case <-ticker.C:
			reapPass(lifecycle, store, log)
		}
	}
}

// reapPass 跑一轮全部清理任务，单项失败不影响其余任务。
func reapPass(lifecycle *service.LifecycleService, store storage.Store, log *zap.Logger) {
	metrics := monitoring.GetMetrics()

	reap := func(kind string, fn func() (int, error)) {
		count, err := fn()
		if err != nil {
			log.Error("reaper pass failed", zap.String("kind", kind), zap.Error(err))
			metrics.RecordError("reaper", kind)
			return
		}
		metrics.RecordReaperDeletions(kind, count)
		if count > 0 {
			log.Info("reaper removed records", zap.String("kind", kind), zap.Int("count", count))
		}
	}

	reap("unverified_aliases", lifecycle.ReapUnverified)
	reap("disabled_aliases", lifecycle.ReapDisabled)
	reap("expired_aliases", lifecycle.ReapExpired)
	reap("verification_tokens", lifecycle.PruneVerificationTokens)
	reap("email_logs", lifecycle.PruneEmailLogs)

	if count, err := store.CountAliases(); err == nil {
		metrics.UpdateAliasesTotal(count)
	}
}
