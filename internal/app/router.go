package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	finalizehttp "github.com/sagepath/sagepath/internal/finalize/http"
	ledgerhttp "github.com/sagepath/sagepath/internal/ledger/http"
	"github.com/sagepath/sagepath/internal/observability"
	signatureshttp "github.com/sagepath/sagepath/internal/signatures/http"
	versionshttp "github.com/sagepath/sagepath/internal/versions/http"
	"github.com/sagepath/sagepath/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	FinalizeHandler  *finalizehttp.Handler
	VersionHandler   *versionshttp.Handler
	LedgerHandler    *ledgerhttp.Handler
	SignatureHandler *signatureshttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Sagepath defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.FinalizeHandler != nil {
		params.FinalizeHandler.MountRoutes(r)
	}
	if params.VersionHandler != nil {
		params.VersionHandler.MountRoutes(r)
	}
	if params.LedgerHandler != nil {
		params.LedgerHandler.MountRoutes(r)
	}
	if params.SignatureHandler != nil {
		params.SignatureHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r)
		})
	}

	return r
}
