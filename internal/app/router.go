package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-msp/internal/observability"
	"github.com/odyssey-erp/odyssey-msp/internal/platform/httpx"
	proposalhttp "github.com/odyssey-erp/odyssey-msp/internal/proposals/http"
	"github.com/odyssey-erp/odyssey-msp/jobs"
	"github.com/odyssey-erp/odyssey-msp/report"
)

// Pinger is a dependency probed by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	ProposalHandler *proposalhttp.Handler
	ReportHandler   *report.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	// Readiness lists the backing services checked by /readyz, keyed by name.
	Readiness map[string]Pinger
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Readiness))

	if params.ProposalHandler != nil {
		r.Route("/proposals", params.ProposalHandler.MountRoutes)
	}
	if params.ReportHandler != nil {
		r.Route("/report", params.ReportHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readinessHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		type result struct {
			name string
			err  error
		}
		out := make(chan result, len(checks))
		var g errgroup.Group
		for name, check := range checks {
			g.Go(func() error {
				out <- result{name: name, err: check.Ping(ctx)}
				return nil
			})
		}
		_ = g.Wait()
		close(out)
		results := make(map[string]string, len(checks))
		status := http.StatusOK
		for res := range out {
			if res.err != nil {
				results[res.name] = res.err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[res.name] = "ok"
		}

		httpx.JSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
	}
}
