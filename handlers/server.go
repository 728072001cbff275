package handlers

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crmlicense.app/licensing/internal/email"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/internal/ratelimit"
	"crmlicense.app/licensing/registry"
	"crmlicense.app/licensing/storage"
)

type Options struct {
	Version             string
	AdminToken          string
	StripeWebhookSecret string
	CORSOrigins         []string
	RateLimit           int
	RateWindow          time.Duration
	Mailer              email.Sender
	Metrics             *metrics.Metrics
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

type Server struct {
	Mux      *chi.Mux
	Storage  storage.Storage
	Registry *registry.Registry
	opts     Options
}

func NewHttpServer(store storage.Storage, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Mailer == nil {
		opts.Mailer = email.NopSender{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		Mux:     chi.NewRouter(),
		Storage: store,
		Registry: registry.New(store,
			registry.WithClock(opts.Now),
			registry.WithMetrics(opts.Metrics),
		),
		opts: opts,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.Mux

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			window := s.opts.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(ratelimit.Middleware(ratelimit.New(s.opts.RateLimit, window), window))
		}

		for _, path := range ValidatePaths {
			r.Get(path, s.ValidateLicense)
			r.Post(path, s.ValidateLicense)
		}
		r.Get(InfoPath, s.LicenseInfo)
		r.Post(InfoPath, s.LicenseInfo)
		r.Get(StatusPath, s.LicenseStatus)
		r.Post(StatusPath, s.LicenseStatus)
		r.Post(CallbackPath, s.Callback)
		r.Get("/", s.QueryAPI)
		r.Post("/", s.QueryAPI)
	})

	r.Post("/api/v1/webhooks/stripe", s.Stripe)
	r.Route("/api/v1/admin", s.adminRoutes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

// internalError logs err, reports it to Sentry and answers 500.
func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.Error(msg, map[string]interface{}{
		"error":      err.Error(),
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
	writeErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
}
