// Package httpapi exposes verification and license management over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"licensekeeper/internal/owner"
	"licensekeeper/internal/store"
	"licensekeeper/internal/verify"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Result, error)
}

// Manager is the owner-scoped license service.
type Manager interface {
	CreateLicense(ctx context.Context, ownerID int64, expiresAt time.Time, allowedIPs *string) (store.License, error)
	ListLicenses(ctx context.Context, ownerID int64, skip, limit int) ([]store.License, error)
	GetLicense(ctx context.Context, ownerID, id int64) (store.License, error)
	SetActive(ctx context.Context, ownerID, id int64, active bool) (store.License, error)
	ListActivations(ctx context.Context, ownerID, id int64) ([]store.Activation, error)
}

type API struct {
	verifier Verifier
	manager  Manager
	owners   owner.Directory
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	validate *validator.Validate
	timeout  time.Duration
}

type Option func(*API)

// WithRequestTimeout cancels the request context after d.
func WithRequestTimeout(d time.Duration) Option {
	return func(a *API) { a.timeout = d }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

func New(v Verifier, m Manager, owners owner.Directory, logger zerolog.Logger, opts ...Option) *API {
	a := &API{
		verifier: v,
		manager:  m,
		owners:   owners,
		logger:   logger.With().Str("component", "http").Logger(),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(a.logger))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if a.timeout > 0 {
			r.Use(middleware.Timeout(a.timeout))
		}

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			render.JSON(w, r, map[string]string{"message": "Welcome to License API"})
		})

		r.Post("/licenses/verify", a.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(a.requireOwner)
			r.Post("/licenses", a.handleCreateLicense)
			r.Get("/licenses", a.handleListLicenses)
			r.Get("/licenses/{id}", a.handleGetLicense)
			r.Patch("/licenses/{id}", a.handlePatchLicense)
			r.Get("/licenses/{id}/activations", a.handleListActivations)
		})
	})
	return r
}

func accessLog(r *http.Request, status, size int, took time.Duration) {
	hlog.FromRequest(r).Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", took).
		Msg("request")
}
