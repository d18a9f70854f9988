package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/recruitcal/internal/metrics"
	"github.com/hitoshi/recruitcal/internal/middleware"
)

// healthCheckTimeout は/healthでのDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はDBの疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Metrics           metrics.MetricsCollector

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// カレンダー接続
	CalendarConnector CalendarConnector
	SlotFinder        OrganizerSlotFinder
	CalendarConfig    CalendarHandlerConfig

	// 予約
	BookingService    BookingServiceInterface
	PublicBooking     PublicBookingService
	OrganizerResolver OrganizerResolver
	BookingConfig     BookingHandlerConfig

	// 面談種別
	MeetingTypeService MeetingTypeServiceInterface
	MeetingTypeFinder  MeetingTypeFinder
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Observability → CORS
//	  認証ルート: Session → RateLimit(General) → CSRF
//	  公開ルート: OptionalSession → RateLimit(Public) → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewObservabilityMiddleware(logger, mc))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	calendarHandler := NewCalendarHandler(deps.CalendarConnector, deps.SlotFinder, deps.CalendarConfig)
	bookingHandler := NewBookingHandler(deps.BookingService, deps.OrganizerResolver, deps.BookingConfig)
	publicHandler := NewPublicHandler(deps.PublicBooking, deps.MeetingTypeFinder)
	meetingTypeHandler := NewMeetingTypeHandler(deps.MeetingTypeService)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// CSRFトークン取得（認証不要）
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 公開予約ページ ---
	// ミドルウェアスタック: OptionalSession → RateLimit(Public) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.PublicMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Route("/api/public/book/{token}", func(r chi.Router) {
			r.Get("/", publicHandler.TokenDetails)
			r.Post("/", publicHandler.Redeem)
			r.Get("/slots", publicHandler.TokenSlots)
		})

		r.Route("/api/public/meeting-types/{slug}", func(r chi.Router) {
			r.Get("/", publicHandler.MeetingType)
			r.Post("/", publicHandler.BookMeetingType)
			r.Get("/slots", publicHandler.MeetingTypeSlots)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// カレンダー接続
		r.Route("/api/calendar", func(r chi.Router) {
			r.Get("/connections", calendarHandler.ListConnections)
			r.Get("/availability", calendarHandler.Availability)

			r.Route("/{provider}", func(r chi.Router) {
				r.Delete("/", calendarHandler.Disconnect)
				r.Get("/authorize", calendarHandler.Authorize)
				r.Post("/callback", calendarHandler.Callback)
				r.Get("/calendars", calendarHandler.ListCalendars)
				r.Put("/settings", calendarHandler.UpdateSettings)
			})
		})

		// 予約トークン
		r.Post("/api/stage-instances/{id}/booking-token", bookingHandler.IssueToken)

		// 予約
		r.Route("/api/bookings", func(r chi.Router) {
			r.Get("/", bookingHandler.List)
			r.Post("/", bookingHandler.CreateManual)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", bookingHandler.Get)
				r.Get("/invite.ics", bookingHandler.Invite)
				r.Post("/cancel", bookingHandler.Cancel)
				r.Post("/approve", bookingHandler.Approve)
				r.Post("/complete", bookingHandler.Complete)
				r.Post("/no-show", bookingHandler.NoShow)
				r.Post("/reschedule", bookingHandler.Reschedule)
			})
		})

		// 面談種別
		r.Route("/api/meeting-types", func(r chi.Router) {
			r.Get("/", meetingTypeHandler.List)
			r.Post("/", meetingTypeHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", meetingTypeHandler.Get)
				r.Put("/", meetingTypeHandler.Update)
				r.Delete("/", meetingTypeHandler.Delete)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
