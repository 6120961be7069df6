// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newsman/internal/config"
	"github.com/hitoshi/newsman/internal/database"
	"github.com/hitoshi/newsman/internal/email"
	"github.com/hitoshi/newsman/internal/handler"
	"github.com/hitoshi/newsman/internal/logger"
	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/middleware"
	"github.com/hitoshi/newsman/internal/newsletter"
	"github.com/hitoshi/newsman/internal/repository"
	"github.com/hitoshi/newsman/internal/subscription"
	"github.com/hitoshi/newsman/internal/worker/cleanup"
	"github.com/hitoshi/newsman/internal/worker/delivery"
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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// deps はserveモードのワイヤリング結果を保持する。
type deps struct {
	router         http.Handler
	deliveryWorker *delivery.Worker
	cleanupWorker  *cleanup.Worker
}

// wire は全依存関係をワイヤリングする。
func wire(cfg *config.Config, db *sql.DB) *deps {
	// 1. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. リポジトリの初期化
	idemRepo := repository.NewPostgresIdempotencyRepo(db)
	nlRepo := repository.NewPostgresNewsletterRepo(db)
	queueRepo := repository.NewPostgresDeliveryQueueRepo(db)
	subRepo := repository.NewPostgresSubscriberRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メールクライアントの初期化
	emailClient := email.NewClient(
		&http.Client{Timeout: cfg.EmailSendTimeout},
		cfg.EmailBaseURL, cfg.EmailAuthToken, cfg.EmailSender,
	)

	// 4. ドメインサービスの初期化
	nlService := newsletter.NewService(idemRepo, nlRepo, slog.Default(), collector)
	subService := subscription.NewService(subRepo, emailClient, cfg.BaseURL, slog.Default())

	// 5. ワーカーの初期化
	deliveryWorker := delivery.NewWorker(queueRepo, nlRepo, emailClient, slog.Default(), collector)
	deliveryWorker.IdleSleep = cfg.DeliveryIdleSleep
	deliveryWorker.ErrorSleep = cfg.DeliveryErrorSleep

	cleanupWorker := cleanup.NewWorker(db, slog.Default(), collector)
	cleanupWorker.Retention = cfg.IdempotencyRetention
	cleanupWorker.Interval = cfg.CleanupInterval

	// 6. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.SubscribeRate = rate.Limit(float64(cfg.RateLimitSubscribe) / 60.0)
	rlCfg.SubscribeBurst = cfg.RateLimitSubscribe

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder: sessionRepo,
		RateLimiter:   middleware.NewRateLimiter(rlCfg),
		Logger:        slog.Default(),

		NewsletterService:   nlService,
		SubscriptionService: subService,

		DB:             db,
		MetricsHandler: metrics.Handler(registry),
	})

	return &deps{
		router:         router,
		deliveryWorker: deliveryWorker,
		cleanupWorker:  cleanupWorker,
	}
}

// unitExit はバックグラウンドユニットの終了を表す。
type unitExit struct {
	name string
	err  error
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバー・配信ワーカー・クリーンアップワーカーを一体で起動し、
// いずれか1つでも終了したらプロセス全体を停止する。
// 片方だけ静かに死んだ状態で動き続けるより、全体を落として
// 再起動に任せる方が安全なため。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	d := wire(cfg, db)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      d.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCh := make(chan unitExit, 3)

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		exitCh <- unitExit{name: "api_server", err: err}
	}()

	go func() {
		exitCh <- unitExit{name: "delivery_worker", err: d.deliveryWorker.Run(ctx)}
	}()

	go func() {
		exitCh <- unitExit{name: "cleanup_worker", err: d.cleanupWorker.Run(ctx)}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var firstExit *unitExit
	select {
	case <-stop:
		slog.Info("shutdown signal received")
	case exit := <-exitCh:
		firstExit = &exit
		reportExit(exit)
	}

	// 残りのユニットを停止する
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	if firstExit != nil && firstExit.err != nil && !errors.Is(firstExit.err, context.Canceled) {
		return fmt.Errorf("%s exited: %w", firstExit.name, firstExit.err)
	}

	slog.Info("application stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// HTTPサーバーを持たず、配信ワーカーとクリーンアップワーカーのみを実行する。
// serveモードと同様、片方の終了でプロセス全体を停止する。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	d := wire(cfg, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCh := make(chan unitExit, 2)

	go func() {
		exitCh <- unitExit{name: "delivery_worker", err: d.deliveryWorker.Run(ctx)}
	}()

	go func() {
		exitCh <- unitExit{name: "cleanup_worker", err: d.cleanupWorker.Run(ctx)}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var firstExit *unitExit
	select {
	case <-stop:
		slog.Info("shutdown signal received")
	case exit := <-exitCh:
		firstExit = &exit
		reportExit(exit)
	}

	cancel()

	if firstExit != nil && firstExit.err != nil && !errors.Is(firstExit.err, context.Canceled) {
		return fmt.Errorf("%s exited: %w", firstExit.name, firstExit.err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// reportExit はユニットの終了理由をログに記録する。
func reportExit(exit unitExit) {
	if exit.err != nil && !errors.Is(exit.err, context.Canceled) {
		slog.Error("background unit exited with error",
			slog.String("unit", exit.name),
			slog.String("error", exit.err.Error()),
		)
		return
	}
	slog.Info("background unit exited",
		slog.String("unit", exit.name),
	)
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
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
