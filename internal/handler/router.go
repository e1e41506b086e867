package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rideboard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder // nilの場合はHTTPステータスを記録しない

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	// LoginPath は承諾リンクを未ログインで開いたときのリダイレクト先。
	LoginPath string

	// イベント・台帳
	EventService  EventServiceInterface
	LedgerService LedgerServiceInterface
	Renderer      Renderer
	AcceptLinks   AcceptLinkVerifier
	FeedWriter    FeedWriter

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Metrics → Logging → SecurityHeaders → CORS
//	  /api/*      : Session → CSRF → RateLimit(General) [→ RateLimit(Mutation)]
//	  /autojoin/* : BrowserSession
//
// 認証ルート（/auth/*）と運用エンドポイントはセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	eventHandler := NewEventHandler(deps.EventService, deps.Renderer)
	carHandler := NewCarHandler(deps.LedgerService, deps.Renderer)
	autojoinHandler := NewAutojoinHandler(deps.LedgerService, deps.AcceptLinks, deps.AuthConfig.BaseURL)
	feedHandler := NewFeedHandler(deps.EventService, deps.FeedWriter)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Get("/events.atom", feedHandler.Atom)
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// 認証ルート（OIDCフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}/login", authHandler.Login)
		r.Get("/{provider}/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 承諾リンク（ブラウザ遷移） ---
	loginPath := deps.LoginPath
	if loginPath == "" {
		loginPath = "/"
	}
	r.With(middleware.NewBrowserSessionMiddleware(deps.SessionResolver, loginPath)).
		Get("/autojoin/{from}/{to}/{user}", autojoinHandler.Accept)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		mutation := deps.RateLimiter.MutationMiddleware()

		// イベント管理
		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", eventHandler.ListEvents)
			r.With(mutation).Post("/", eventHandler.CreateEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", eventHandler.GetEvent)
				r.With(mutation).Put("/", eventHandler.UpdateEvent)
				r.With(mutation).Delete("/", eventHandler.DeleteEvent)

				// POST /api/events/{id}/cars - 車の提供
				r.With(mutation).Post("/cars", carHandler.CreateCar)
			})
		})

		// 車と座席
		r.Route("/api/cars/{id}", func(r chi.Router) {
			r.Use(mutation)
			r.Put("/", carHandler.UpdateCar)
			r.Delete("/", carHandler.DeleteCar)
			r.Post("/riders", carHandler.Join)
			r.Delete("/riders/me", carHandler.Leave)
		})

		// ユーザー管理
		r.Route("/api/users/me", func(r chi.Router) {
			r.Get("/", userHandler.GetMe)
			r.Get("/events", eventHandler.MyEvents)
			r.Put("/contact", userHandler.UpdateContact)
			r.Delete("/sessions", userHandler.SignOutEverywhere)
		})
	})

	return r
}
