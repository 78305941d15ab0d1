package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service             *appointment.Service
	Health              *HealthHandler
	Logger              *zap.Logger
	JWTSecret           []byte
	RateLimitPerMin     int
	ExpiryWarningWindow time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.ExpiryWarningWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	svc := cfg.Service

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger.Named("http")))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))
		r.Use(RateLimitMiddleware(cfg.RateLimitPerMin, logger.Named("ratelimit")))

		r.Route("/appointment-requests", func(r chi.Router) {
			r.Get("/", listRequestsHandler(svc))
			r.Get("/expiring", expiringRequestsHandler(svc))
			r.Post("/donor", createDonorRequestHandler(svc))
			r.Post("/staff", createStaffRequestHandler(svc))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getRequestHandler(svc))
				r.Get("/donation", getDonationHandler(svc))
				r.Post("/approve", reviewHandler(svc, false))
				r.Post("/modify", reviewHandler(svc, true))
				r.Post("/reject", textHandler(svc, rejectCommand))
				r.Post("/accept", textHandler(svc, acceptCommand))
				r.Post("/decline", textHandler(svc, declineCommand))
				r.Post("/cancel", textHandler(svc, cancelCommand))
				r.Post("/check-in", checkInHandler(svc))
				r.Post("/complete", completeHandler(svc))
			})
		})

		r.Get("/locations/{id}/availability", availabilityHandler(svc))
		r.Get("/locations/{id}/capacity", listCapacityHandler(svc))
		r.Post("/locations/{id}/capacity", createCapacityHandler(svc))
		r.Put("/capacity/{id}", updateCapacityHandler(svc))

		r.Post("/maintenance/sweep-expired", sweepExpiredHandler(svc))
		r.Post("/maintenance/expiry-warnings", expiryWarningsHandler(svc, window))

		r.Delete("/blood-requests/{id}/link", unlinkBloodRequestHandler(svc))
	})

	return r
}
