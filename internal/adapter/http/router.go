package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tfotel "github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/middleware"
	"github.com/Strob0t/TenantForge/internal/port/cache"
)

// RouterOptions configures NewRouter. A nil Idempotency store disables replay.
type RouterOptions struct {
	ServiceName    string
	Idempotency    cache.Cache
	IdempotencyTTL time.Duration
}

// NewRouter builds the operator API router with its middleware chain.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Actor)
	r.Use(Logger)
	r.Use(SecurityHeaders)
	if opts.ServiceName != "" {
		r.Use(tfotel.HTTPMiddleware(opts.ServiceName))
	}
	if opts.Idempotency != nil {
		r.Use(middleware.Idempotency(opts.Idempotency, opts.IdempotencyTTL))
	}
	MountRoutes(r, h)
	return r
}
