package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/remitops/transfer-core/internal/api/handler"
	"github.com/remitops/transfer-core/internal/api/middleware"
	"github.com/remitops/transfer-core/internal/api/spec"
	"github.com/remitops/transfer-core/internal/config"
	"github.com/remitops/transfer-core/internal/idempotency"
	"github.com/remitops/transfer-core/internal/service"
	"go.uber.org/zap"
)

// Deps carries everything the HTTP surface needs, wired by the app package.
type Deps struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *pgxpool.Pool
	Redis       redis.Cmdable
	Idempotency *idempotency.Store

	Transfers *service.TransferService
	Payments  *service.PaymentService
	Cancels   *service.CancellationService
	Webhooks  *service.WebhookService
}

// NewRouter assembles the chi router with the full middleware stack.
func NewRouter(d Deps) chi.Router {
	transferHandler := handler.NewTransferHandler(d.Transfers, d.Payments, d.Cancels)
	webhookHandler := handler.NewWebhookHandler(d.Webhooks, d.Logger)
	healthHandler := handler.NewHealthHandler(d.DB, d.Redis)

	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(d.Logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(d.Logger))

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(d.Config.PublicRateLimitRPS))

		r.Post("/v1/webhooks/payment", webhookHandler.HandlePayment)
		r.Get("/health/live", healthHandler.Live)
		r.Get("/health/ready", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(d.Config.AuthRateLimitRPS))

		idem := middleware.IdempotencyMiddleware(d.Idempotency, d.Logger)

		r.With(idem).Post("/v1/transfers", transferHandler.Create)
		r.With(idem).Post("/v1/transfers/{id}/lock", transferHandler.LockRate)
		r.With(idem).Post("/v1/transfers/{id}/monitor", transferHandler.StartMonitoring)
		r.With(idem).Post("/v1/transfers/{id}/approve", transferHandler.Approve)
		r.With(idem).Post("/v1/transfers/{id}/cancel", transferHandler.Cancel)
		r.With(idem).Post("/v1/transfers/{id}/refund", transferHandler.RequestRefund)
		r.With(idem).Post("/v1/transfers/{id}/refund/decision", transferHandler.DecideRefund)
		r.With(idem).Post("/v1/transfers/{id}/retry", transferHandler.Retry)

		r.Get("/v1/transfers/{id}", transferHandler.Get)
		r.Get("/v1/transfers/{id}/audit", transferHandler.AuditTrail)
	})

	return r
}
