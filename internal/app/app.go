package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/numgate/internal/breaker"
	"github.com/hitoshi/numgate/internal/config"
	"github.com/hitoshi/numgate/internal/database"
	"github.com/hitoshi/numgate/internal/handler"
	"github.com/hitoshi/numgate/internal/logger"
	"github.com/hitoshi/numgate/internal/metrics"
	"github.com/hitoshi/numgate/internal/middleware"
	"github.com/hitoshi/numgate/internal/provider"
	"github.com/hitoshi/numgate/internal/reconciler"
	"github.com/hitoshi/numgate/internal/rental"
	"github.com/hitoshi/numgate/internal/repository"
	"github.com/hitoshi/numgate/internal/worker/cleanup"
	"github.com/hitoshi/numgate/internal/worker/expire"
	"github.com/hitoshi/numgate/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandAudit:
		return runAudit(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	txRepo := repository.NewPostgresTransactionRepo(db)
	balanceRepo := repository.NewPostgresBalanceRepo(db)
	sessionRepo := repository.NewPostgresRentalSessionRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	pricingRepo := repository.NewPostgresPricingRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. レート制限の初期化
	// REDIS_ADDRが設定されている場合は複数インスタンスで共有できる
	// Redisストアを使い、未設定の場合はインメモリストアで動作する。
	var store middleware.WindowStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = middleware.NewRedisWindowStore(rdb)
		slog.Info("using redis rate limit store",
			slog.String("addr", cfg.RedisAddr),
		)
	} else {
		store = middleware.NewMemoryWindowStore()
	}

	rateLimiter := middleware.NewRateLimiter(store, middleware.RateLimiterConfig{
		PrivilegedIDs: cfg.AdminUserIDs,
	})
	defer rateLimiter.Stop()
	rateLimiter.SetRejectionRecorder(collector)

	generalPolicy := middleware.Policy{
		Name:        "general",
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitGeneral,
	}
	rentalPolicy := middleware.Policy{
		Name:        "rental",
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitRental,
	}

	// 5. 同時実行制御の初期化
	globalLimiter := middleware.NewConcurrencyLimiter("global", cfg.MaxConcurrentGlobal, cfg.QueueTimeout)
	globalLimiter.SetTimeoutRecorder(collector)
	rentalLimiter := middleware.NewConcurrencyLimiter("rental", cfg.MaxConcurrentRental, cfg.QueueTimeout)
	rentalLimiter.SetTimeoutRecorder(collector)

	// 6. サーキットブレーカーの初期化
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		FailureMaxAge:    cfg.BreakerFailureMaxAge,
	}, nil)
	breakers.SetTransitionFunc(func(name string, state breaker.State) {
		collector.RecordBreakerTransition(name, string(state))
	})

	// 7. レンタルガバナーとドメインサービスの初期化
	governor := rental.NewGovernor(rental.GovernorConfig{
		MaxPendingGlobal: cfg.RentalMaxPendingGlobal,
		PacingInterval:   cfg.RentalPacingInterval,
		Window:           cfg.RentalWindow,
		WindowMax:        cfg.RentalWindowMax,
	})

	smsClient := provider.NewSMSClient(provider.SMSClientConfig{
		Name:        "smsrent",
		BaseURL:     cfg.ProviderSMSBaseURL,
		APIKey:      cfg.ProviderSMSAPIKey,
		APIInterval: cfg.ProviderAPIInterval,
	}, slog.Default())

	rentalService := rental.NewService(
		governor, smsClient, breakers,
		txRepo, balanceRepo, sessionRepo, pricingRepo,
		slog.Default(), uuid.NewString,
	)

	// 期限切れ保留セッションのスイープ。ガバナーの保留状態はこの
	// プロセスのメモリ内にあるため、解放もAPIサーバー内で行う。
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	expireJob := expire.NewJob(sessionRepo, governor, slog.Default())
	go expireJob.Start(sweepCtx, cfg.SessionSweepInterval)

	// 8. 照合系コンポーネントの初期化
	// 管理APIからオンデマンドで監査を実行できるようにする。
	auditor := reconciler.NewAuditor(txRepo, sessionRepo, auditRepo, slog.Default(), collector, reconciler.Config{
		BatchSize:     cfg.AuditBatchSize,
		SafetyCeiling: cfg.AuditSafetyCeiling,
	})
	recoverer := reconciler.NewRecoverer(txRepo, balanceRepo, auditRepo, slog.Default(), collector)
	validator := reconciler.NewValidator(txRepo, sessionRepo, pricingRepo, slog.Default())

	// 9. ハンドラーとルーターの構築
	rentalHandler := handler.NewRentalHandler(rentalService)
	adminHandler := handler.NewAdminHandler(
		auditor, recoverer, validator,
		breakers, governor, globalLimiter, rentalLimiter,
		cfg.AdminUserIDs,
	)

	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),
		RateLimiter:       rateLimiter,
		GeneralPolicy:     generalPolicy,
		RentalPolicy:      rentalPolicy,
		GlobalLimiter:     globalLimiter,
		RentalLimiter:     rentalLimiter,
		RentalHandler:     rentalHandler,
		AdminHandler:      adminHandler,
		Gatherer:          registry,
		Health:            newHealthHandler(db),
	}

	router := handler.NewRouter(deps)

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、監査スケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. 照合系コンポーネントの初期化
	txRepo := repository.NewPostgresTransactionRepo(db)
	balanceRepo := repository.NewPostgresBalanceRepo(db)
	sessionRepo := repository.NewPostgresRentalSessionRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	pricingRepo := repository.NewPostgresPricingRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	auditor := reconciler.NewAuditor(txRepo, sessionRepo, auditRepo, slog.Default(), collector, reconciler.Config{
		BatchSize:     cfg.AuditBatchSize,
		SafetyCeiling: cfg.AuditSafetyCeiling,
	})
	recoverer := reconciler.NewRecoverer(txRepo, balanceRepo, auditRepo, slog.Default(), collector)
	validator := reconciler.NewValidator(txRepo, sessionRepo, pricingRepo, slog.Default())

	scheduler := reconcile.NewScheduler(auditor, recoverer, validator, slog.Default())

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(auditRepo, slog.Default())
	cleanupJob.RetentionDays = cfg.CleanupRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("audit_interval", cfg.AuditInterval),
		slog.Int("retention_days", cfg.CleanupRetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.StartDaily(ctx)

	// 監査スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.AuditInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runAudit は監査・是正・検証のサイクルを1回だけ実行して終了する。
// 運用者による手動実行やcron起動を想定したワンショットモード。
func runAudit(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	txRepo := repository.NewPostgresTransactionRepo(db)
	balanceRepo := repository.NewPostgresBalanceRepo(db)
	sessionRepo := repository.NewPostgresRentalSessionRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	pricingRepo := repository.NewPostgresPricingRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	auditor := reconciler.NewAuditor(txRepo, sessionRepo, auditRepo, slog.Default(), collector, reconciler.Config{
		BatchSize:     cfg.AuditBatchSize,
		SafetyCeiling: cfg.AuditSafetyCeiling,
	})
	recoverer := reconciler.NewRecoverer(txRepo, balanceRepo, auditRepo, slog.Default(), collector)
	validator := reconciler.NewValidator(txRepo, sessionRepo, pricingRepo, slog.Default())

	scheduler := reconcile.NewScheduler(auditor, recoverer, validator, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.RunOnce(ctx); err != nil {
		return fmt.Errorf("audit cycle failed: %w", err)
	}

	slog.Info("audit cycle completed")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
