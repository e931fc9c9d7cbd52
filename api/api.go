// Package api exposes the certificate engine over REST. Routes are mounted
// by the server under /api/v1; handlers translate HTTP into engine calls
// and engine errors back into the HTTP taxonomy in errors.go.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certkeeper/engine"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine     *engine.Engine
	audit      *auditLogger
	adminToken string
	alertFn    AlertFunc
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAdminToken enables the admin-elevated operations (hostname suffix
// bypass, database reset). With no token set those operations are refused.
func WithAdminToken(token string) Option {
	return func(a *API) {
		a.adminToken = token
	}
}

// WithAlertFunc installs the anomaly-alert callback fed by the audit logger.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance.
func New(e *engine.Engine, opts ...Option) *API {
	a := &API{engine: e}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/status", a.Status)
	r.Post("/setup", a.Setup)
	r.Get("/config", a.GetConfig)
	r.Put("/config", a.UpdateConfig)

	r.Route("/certificates", func(r chi.Router) {
		r.Get("/", a.ListCertificates)
		r.Post("/", a.GenerateCSR)
		r.Route("/{hostname}", func(r chi.Router) {
			r.Get("/", a.GetCertificate)
			r.Delete("/", a.DeleteCertificate)
			r.Post("/renew", a.RenewCertificate)
			r.Post("/preview", a.PreviewUpload)
			r.Post("/upload", a.UploadCertificate)
			r.Post("/cancel", a.CancelPendingRenewal)
			r.Put("/read-only", a.SetReadOnly)
			r.Get("/private-key", a.GetPrivateKey)
			r.Get("/history", a.GetHistory)
		})
	})

	r.Get("/activity", a.ListActivity)

	r.Route("/vault", func(r chi.Router) {
		r.Get("/status", a.VaultStatus)
		r.Post("/setup", a.VaultSetup)
		r.Post("/unlock", a.VaultUnlock)
		r.Post("/lock", a.VaultLock)
		r.Post("/change-key", a.VaultChangeKey)
	})

	r.Route("/backups", func(r chi.Router) {
		r.Get("/", a.ListBackups)
		r.Post("/", a.CreateBackup)
		r.Get("/export", a.ExportBackup)
		r.Post("/peek", a.PeekBackup)
		r.Post("/restore", a.RestoreBackup)
		r.Get("/{name}", a.PeekLocalBackup)
		r.Post("/{name}/restore", a.RestoreLocalBackup)
		r.Delete("/{name}", a.DeleteBackup)
	})

	r.With(a.RequireAdmin).Post("/reset", a.ResetDatabase)

	return r
}
