package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/ndajr/shorturls/internal/shortener"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerui "github.com/swaggest/swgui/v5emb"
)

const (
	docsURL = "/docs/"
	// service is the name entries are logged under.
	service = "backend"
)

// RequestLogger records request lifecycle entries.
type RequestLogger interface {
	Info(service, component, message string)
	Warn(service, component, message string)
	Error(service, component, message string)
}

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Deps struct {
	Logger     *slog.Logger
	RequestLog RequestLogger
	Service    *shortener.Service
	// Limiter guards link creation. Nil disables rate limiting.
	Limiter Limiter
	// Checks are pinged by /health, keyed by dependency name.
	Checks      map[string]datastore.Pinger
	SwaggerJSON []byte
}

type router struct {
	Deps
}

// NewRouter wires the routes and the middleware chain.
func NewRouter(deps Deps) http.Handler {
	if deps.SwaggerJSON == nil {
		deps.SwaggerJSON = openAPISpec
	}
	rt := router{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Location"},
		MaxAge:         300,
	}))
	r.Use(rt.requestLog)
	r.Use(instrument)
	r.Use(rt.recoverer)

	r.NotFound(rt.notFound)
	r.MethodNotAllowed(rt.notFound)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, docsURL, http.StatusFound)
	})
	r.Get("/health", rt.handle(rt.health))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger.json", rt.swagger)
	r.Handle(docsURL+"*", swaggerui.New("URL Shortener API", "/swagger.json", docsURL))

	r.Route("/shorturls", func(r chi.Router) {
		r.With(rt.rateLimit, rt.validateCreate).Post("/", rt.handle(rt.createShortURL))
		r.Get("/{shortcode}", rt.handle(rt.getURLStatistics))
	})
	r.Get("/{shortcode}", rt.handle(rt.redirect))

	return r
}
