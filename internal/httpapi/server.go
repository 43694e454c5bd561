// Package httpapi wires the run pipeline's HTTP ingress: chi routing, CORS,
// bearer-token auth, per-remote-addr rate limiting, Accept-Language message
// lookup, and the document/run/quarantine/auth handlers themselves. It is a
// thin transport layer — all policy lives in internal/admission,
// internal/ingestion, and internal/review.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"invoicerun/internal/admission"
	"invoicerun/internal/authn"
	"invoicerun/internal/blobstore"
	"invoicerun/internal/config"
	"invoicerun/internal/ingestion"
	"invoicerun/internal/metrics"
	"invoicerun/internal/ratelimit"
	"invoicerun/internal/repository"
	"invoicerun/pkg/clock"
)

// Deps bundles the server's collaborators.
type Deps struct {
	Repo       repository.Repository
	Admission  *admission.Admission
	Blobs      *blobstore.Store
	Metrics    *metrics.Registry
	Config     *config.Settings
	Clock      clock.Clock
	Issuer     *authn.Issuer
	RateLimits *ratelimit.Limiter
	Log        *zap.Logger
}

// server holds Deps plus nothing else; every handler is a method on it.
type server struct {
	Deps
}

// NewRouter builds the full chi.Mux for the HTTP ingress.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Filename", "X-Content-Type", "Accept-Language", "Idempotency-Key"},
		MaxAge:           300,
		AllowCredentials: false,
	}))
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/auth/token", s.handleIssueToken)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)

		v1.Post("/documents", s.requireRoles(s.handleUploadDocument, "Admin", "Reviewer", "Approver"))
		v1.Get("/documents/{documentID}", s.requireRoles(s.handleGetDocument, "Admin", "Reviewer", "Approver", "Viewer", "Auditor"))

		v1.Post("/runs", s.requireRoles(s.handleCreateRun, "Admin", "Reviewer", "Approver"))
		v1.Post("/runs/{runID}/cancel", s.requireRoles(s.handleCancelRun, "Admin", "Approver"))
		v1.Post("/runs/{runID}/replay", s.requireRoles(s.handleReplayRun, "Admin", "Reviewer", "Approver"))
		v1.Get("/runs/{runID}/export", s.requireRoles(s.handleExportRun, "Admin", "Reviewer", "Approver", "Viewer", "Auditor"))

		v1.Get("/quarantine", s.requireRoles(s.handleListQuarantine, "Admin", "Reviewer", "Approver", "Auditor"))
		v1.Get("/quarantine/{itemID}", s.requireRoles(s.handleGetQuarantine, "Admin", "Reviewer", "Approver", "Auditor"))
		v1.Post("/quarantine/{itemID}/reprocess", s.requireRoles(s.handleReprocessQuarantine, "Admin", "Reviewer", "Approver"))
	})

	return r
}

// evaluateUpload runs the ingestion contract, shared by upload and reprocess.
func (s *server) evaluateUpload(payload []byte, filename, contentType string) ingestion.Result {
	return ingestion.Evaluate(s.Config, payload, filename, contentType)
}
