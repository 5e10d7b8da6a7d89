package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/http/handlers"
	"github.com/lantianlaoli/flowtra/internal/middleware"
	"github.com/lantianlaoli/flowtra/internal/telemetry"
)

type Options struct {
	JWTSecret     string
	InternalToken string
	CORSOrigins   []string
	// Limiter throttles the user-facing workflow routes; nil disables it.
	Limiter middleware.Limiter
	// StaticDir, when set, is served under StaticPrefix (default /static) for
	// the file storage driver.
	StaticDir    string
	StaticPrefix string
	Logger    zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/healthz", app.Health)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	if opts.StaticDir != "" {
		prefix := "/" + strings.Trim(opts.StaticPrefix, "/")
		if prefix == "/" {
			prefix = "/static"
		}
		r.Handle(prefix+"/*", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	r.Route("/workflows/{kind}", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		r.Use(middleware.RateLimit(opts.Limiter, opts.Logger))
		r.Post("/", app.StartWorkflow)
		r.Get("/{id}/status", app.WorkflowStatus)
		r.Post("/{id}/download", app.DownloadWorkflow)
		r.Post("/{id}/retry", app.RetryWorkflow)
	})

	r.Post("/webhooks/{provider}", app.ProviderWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalToken(opts.InternalToken))
		r.Post("/monitor-tasks", app.MonitorTasks)
	})

	return r
}
