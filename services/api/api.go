// Package api exposes uploads, downloads and administration over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vpkgate/pkg/render"
	"vpkgate/services/ingest"
	"vpkgate/services/lifecycle"
)

const (
	defaultMirrorURLTTL = 15 * time.Minute
	multipartOverhead   = 1 << 20
)

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	// AdminUser and AdminPass enable the admin routes when both are set.
	AdminUser           string
	AdminPass           string
	AllowedOrigins      []string
	UploadRatePerMinute int
	MaxUploadBytes      int64
	MirrorURLTTL        time.Duration
}

// URLSigner returns time limited URLs for mirrored copies.
type URLSigner interface {
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Pipeline  *ingest.Pipeline
	Renderer  *render.Engine
	Mirror    URLSigner
	// Ready reports whether backing services are reachable. Nil means always ready.
	Ready  func(context.Context) error
	Logger *zerolog.Logger
}

// API wires dependencies, renderer and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	log    zerolog.Logger
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Lifecycle == nil {
		return nil, errors.New("lifecycle manager is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("ingest pipeline is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = deps.Pipeline.Policy().MaxSize
	}
	if cfg.MirrorURLTTL <= 0 {
		cfg.MirrorURLTTL = defaultMirrorURLTTL
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &API{deps: deps, config: cfg, log: logger.With().Str("component", "api").Logger()}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}
	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/d/{id}/{name}", a.handleDownload)

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gzip(next) })

		r.Group(func(r chi.Router) {
			if a.config.UploadRatePerMinute > 0 {
				r.Use(httprate.LimitByIP(a.config.UploadRatePerMinute, time.Minute))
			}
			r.Post("/uploads", a.handleUpload)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/uploads/{id}", a.handleGetUpload)
			r.Get("/uploads/{id}/report.txt", a.handleReport)
			r.Get("/uploads/{id}/mirror", a.handleMirror)
		})

		if a.config.AdminUser != "" && a.config.AdminPass != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.BasicAuth("vpkgate-admin", map[string]string{
					a.config.AdminUser: a.config.AdminPass,
				}))
				r.Get("/uploads", a.handleAdminList)
				r.Post("/uploads", a.handleAdminUpload)
				r.Post("/uploads/{id}/expiry", a.handleAdminExpiry)
				r.Delete("/uploads/{id}", a.handleAdminDelete)
				r.Post("/sweep", a.handleAdminSweep)
			})
		}
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
