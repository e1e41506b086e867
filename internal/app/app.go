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
	"golang.org/x/time/rate"

	"github.com/hitoshi/rideboard/internal/auth"
	"github.com/hitoshi/rideboard/internal/config"
	"github.com/hitoshi/rideboard/internal/database"
	"github.com/hitoshi/rideboard/internal/event"
	"github.com/hitoshi/rideboard/internal/eventfeed"
	"github.com/hitoshi/rideboard/internal/handler"
	"github.com/hitoshi/rideboard/internal/ledger"
	"github.com/hitoshi/rideboard/internal/logger"
	"github.com/hitoshi/rideboard/internal/metrics"
	"github.com/hitoshi/rideboard/internal/middleware"
	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/notify"
	"github.com/hitoshi/rideboard/internal/repository"
	"github.com/hitoshi/rideboard/internal/richtext"
	"github.com/hitoshi/rideboard/internal/user"
	"github.com/hitoshi/rideboard/internal/worker/cleanup"
	"github.com/hitoshi/rideboard/internal/worker/expiry"
)

// feedTitle はAtomフィードのタイトル。
const feedTitle = "CSH Rides"

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、設定されたレベルでJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, configPath string) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数と設定ファイルから設定を読み込む
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	opts, err := ParseArgs(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if opts.Command == CommandHealthcheck {
		port := opts.Port
		if port == "" {
			port = os.Getenv("SERVER_PORT")
		}
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(opts.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.Command {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はHTTPサーバーの構成要素。
type server struct {
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
}

// buildServer は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
// DBへの接続はリクエスト処理時まで行わない。
func buildServer(cfg *config.Config, db *sql.DB, log *slog.Logger) *server {
	// 1. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	rideStore := repository.NewPostgresRideStore(db)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. 認証
	httpClient := &http.Client{Timeout: 10 * time.Second}
	providers := make(map[string]auth.Provider)
	loginPath := ""
	if cfg.GoogleEnabled() {
		providers[model.NamespaceGoogle] = auth.NewGoogleProvider(auth.OIDCConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.CallbackURL(model.NamespaceGoogle),
		}, httpClient)
		loginPath = "/auth/" + model.NamespaceGoogle + "/login"
	}
	if cfg.CSHEnabled() {
		providers[model.NamespaceCSH] = auth.NewCSHProvider(auth.OIDCConfig{
			ClientID:     cfg.CSHClientID,
			ClientSecret: cfg.CSHClientSecret,
			RedirectURL:  cfg.CallbackURL(model.NamespaceCSH),
			Issuer:       cfg.CSHIssuer,
		}, httpClient)
		loginPath = "/auth/" + model.NamespaceCSH + "/login"
	}
	authService := auth.NewService(providers, userRepo, sessionRepo, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})

	// 4. 通知
	links := notify.NewLinkSigner(cfg.BaseURL, cfg.SessionSecret, cfg.AcceptLinkTTL)
	dispatcher := notify.NewDispatcher(rideStore, links, collector, log, cfg.NotifyTimeout, notificationChannels(cfg, httpClient, log)...)

	var pinger ledger.DriverPinger
	if cfg.PingsEnabled {
		pinger = notify.NewPingsClient(httpClient, log, notify.PingsConfig{
			Enabled:      true,
			BaseURL:      cfg.PingsBaseURL,
			Token:        cfg.PingsToken,
			JoinRouteID:  cfg.PingsJoinRoute,
			LeaveRouteID: cfg.PingsLeaveRoute,
		})
	}

	// 5. ドメインサービス
	eventService := event.NewService(rideStore, collector, log, cfg.ExpiryGrace)
	ledgerService := ledger.NewService(rideStore, dispatcher, pinger, collector, log)
	userService := user.NewService(userRepo, sessionRepo)

	// 6. ルーター
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	deps := &handler.RouterDeps{
		Logger:            log,
		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		StatusRecorder: collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		LoginPath: loginPath,

		EventService:  eventService,
		LedgerService: ledgerService,
		Renderer:      richtext.Default(),
		AcceptLinks:   links,
		FeedWriter:    eventfeed.NewWriter(cfg.BaseURL, feedTitle, cfg.Location),

		UserService: userService,
	}

	return &server{
		handler:     handler.NewRouter(deps),
		rateLimiter: rateLimiter,
	}
}

// notificationChannels は設定済みの通知チャネルを試行順に返す。
// Slackを優先し、届かない受信者にはメールで送る。
func notificationChannels(cfg *config.Config, httpClient *http.Client, log *slog.Logger) []notify.Channel {
	var channels []notify.Channel
	if cfg.SlackToken != "" {
		channels = append(channels, notify.NewSlackChannel(httpClient, log, cfg.SlackToken, cfg.SlackAPIURL, cfg.SlackInterval))
	}
	if cfg.SMTPEnabled {
		channels = append(channels, notify.NewMailChannel(notify.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			TLSPolicy: cfg.SMTPTLSPolicy,
			Timeout:   cfg.NotifyTimeout,
		}))
	}
	if len(channels) == 0 {
		log.Warn("通知チャネルが設定されていません。空席通知は送信されません")
	}
	return channels
}

// rateLimiterConfig は設定のreq/min値をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitMutation > 0 {
		rl.MutationRate = rate.Limit(float64(cfg.RateLimitMutation) / 60.0)
		rl.MutationBurst = cfg.RateLimitMutation
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	srv := buildServer(cfg, db, slog.Default())
	defer srv.rateLimiter.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 失効スイーパーをメインgoroutineで、セッション掃除をバックグラウンドで実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sweeper := expiry.NewSweeper(repository.NewPostgresRideStore(db), collector, slog.Default(), cfg.ExpiryGrace)
	sessionCleanup := cleanup.NewSessionCleanupJob(db, slog.Default())

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.ExpirySweepInterval),
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	// スイープのメトリクスのみを公開する
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()

	go sessionCleanup.Start(ctx, cfg.SessionCleanupInterval)

	// ブロッキング
	sweeper.Start(ctx, cfg.ExpirySweepInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
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

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
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
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
