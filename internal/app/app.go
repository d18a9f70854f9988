package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/config"
	"github.com/hitoshi/recruitcal/internal/connection"
	"github.com/hitoshi/recruitcal/internal/database"
	"github.com/hitoshi/recruitcal/internal/handler"
	"github.com/hitoshi/recruitcal/internal/logger"
	"github.com/hitoshi/recruitcal/internal/meetingtype"
	"github.com/hitoshi/recruitcal/internal/metrics"
	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/notify"
	"github.com/hitoshi/recruitcal/internal/repository"
	"github.com/hitoshi/recruitcal/internal/security"
	"github.com/hitoshi/recruitcal/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envがあれば環境変数に読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
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
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newCalendarRegistry は認可情報が設定されたプロバイダーのアダプターを登録する。
func newCalendarRegistry(cfg *config.Config) calendar.Registry {
	var adapters []calendar.Adapter
	if cfg.GoogleEnabled() {
		adapters = append(adapters, calendar.NewGoogleAdapter(calendar.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	if cfg.MicrosoftEnabled() {
		adapters = append(adapters, calendar.NewMicrosoftAdapter(calendar.MicrosoftConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			Tenant:       cfg.MicrosoftTenant,
			Timeout:      cfg.ProviderTimeout,
		}))
	}
	return calendar.NewRegistry(adapters...)
}

// newPublisher はRABBITMQ_URLが設定されていればRabbitMQへの送信者を返す。
// 未設定の場合は何も送信しない実装を返す。
func newPublisher(cfg *config.Config) (notify.Publisher, error) {
	if cfg.RabbitMQURL == "" {
		slog.Info("RABBITMQ_URL is not set, booking events will not be published")
		return notify.NopPublisher{}, nil
	}
	p, err := notify.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return p, nil
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. セキュリティサービスの初期化
	cipher, err := security.NewCredentialCipher(cfg.CredentialSecret)
	if err != nil {
		return fmt.Errorf("failed to create credential cipher: %w", err)
	}
	sanitizer := security.NewTextSanitizer()

	// 3. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	connRepo := repository.NewPostgresConnectionRepo(db, cipher)
	tokenRepo := repository.NewPostgresBookingTokenRepo(db)
	bookingRepo := repository.NewPostgresBookingRepo(db)
	stageRepo := repository.NewPostgresStageInstanceRepo(db)
	meetingTypeRepo := repository.NewPostgresMeetingTypeRepo(db)

	// 4. メトリクスとイベント送信
	reg, collector := newMetricsRegistry()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 5. ドメインサービスの初期化
	registry := newCalendarRegistry(cfg)
	connService := connection.NewService(registry, connRepo, collector)
	meetingTypeService := meetingtype.NewService(meetingTypeRepo, sanitizer)
	bookingService := booking.NewService(
		booking.Repositories{
			Tokens:       tokenRepo,
			Bookings:     bookingRepo,
			Stages:       stageRepo,
			MeetingTypes: meetingTypeRepo,
			UnitOfWork:   repository.NewPostgresUnitOfWork(db),
		},
		connService,
		publisher,
		sanitizer,
		collector,
		booking.ServiceConfig{TokenTTL: cfg.BookingTokenTTL},
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublic))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics: collector,

		HealthChecker: db,
		Gatherer:      reg,

		CalendarConnector: connService,
		SlotFinder:        bookingService,
		CalendarConfig: handler.CalendarHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		BookingService:    bookingService,
		PublicBooking:     bookingService,
		OrganizerResolver: handler.NewOrganizerAdapter(connService),
		BookingConfig:     handler.BookingHandlerConfig{BookingPageURL: cfg.BookingPageURL},

		MeetingTypeService: meetingTypeService,
		MeetingTypeFinder:  meetingTypeService,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("providers", len(registry)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runCleanup は保持期間を過ぎた予約トークンを1回削除して終了する。
func runCleanup(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(repository.NewPostgresBookingTokenRepo(db), slog.Default())
	if cfg.TokenRetentionDays > 0 {
		job.RetentionDays = cfg.TokenRetentionDays
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return job.Run(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解釈できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
