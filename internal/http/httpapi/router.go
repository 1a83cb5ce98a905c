package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"docapi/internal/http/handlers"
	"docapi/internal/infra"
	"docapi/internal/middleware"
	"docapi/internal/quota"
)

// Options configures the router's middleware.
type Options struct {
	JWTSecret     string
	CORSOrigins   []string
	DefaultLocale string
	Logger        zerolog.Logger
	Metrics       *infra.Metrics

	// Limiter backs the per-minute request budgets below. Zero disables one.
	Limiter           *quota.Limiter
	APIRateLimit      int
	CallbackRateLimit int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", opts.Metrics.Handler())

	// Payment provider callbacks authenticate by signature.
	r.Route("/v1/billing", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(middleware.RateLimit(opts.Limiter, "billing", opts.CallbackRateLimit))
		}
		r.Post("/purchases", app.BillingPurchase)
		r.Post("/refunds", app.BillingRefund)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		if opts.Limiter != nil {
			r.Use(middleware.RateLimit(opts.Limiter, "api", opts.APIRateLimit))
		}

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/quick", app.JobsQuick)
			r.Post("/", app.JobsSubmit)
			r.Get("/", app.JobsList)
			r.Get("/{job_id}", app.JobsGet)
			r.Get("/{job_id}/artifact", app.JobArtifact)
			r.Get("/{job_id}/deliveries", app.JobDeliveries)
		})

		r.Route("/v1/account", func(r chi.Router) {
			r.Get("/", app.AccountGet)
			r.Get("/transactions", app.AccountTransactions)
		})

		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Post("/", app.WebhooksCreate)
			r.Get("/", app.WebhooksList)
			r.Get("/{webhook_id}", app.WebhooksGet)
			r.Patch("/{webhook_id}", app.WebhooksUpdate)
			r.Delete("/{webhook_id}", app.WebhooksDelete)
			r.Get("/{webhook_id}/deliveries", app.WebhookDeliveries)
		})
	})

	return r
}
