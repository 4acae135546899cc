package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"storyteller/internal/http/handlers"
	"storyteller/internal/infra"
	"storyteller/internal/middleware"
)

// Options configures the router's middleware stack.
type Options struct {
	Logger          infra.Logger
	DefaultLanguage string
	CountryLookup   middleware.CountryLookup
	AllowedOrigins  []string
	RateLimitPerMin int
}

// NewRouter wires the HTTP API. Endpoints that trigger paid vendor calls
// sit behind a per-client rate limit.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.Language(opts.DefaultLanguage, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.RateLimitPerMin > 0 {
				r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
			}
			r.Post("/jobs/from-image", app.JobFromImage)
			r.Post("/jobs/initiate-voice", app.InitiateVoice)
			r.Post("/jobs/initiate-text", app.InitiateText)
			r.Post("/jobs/{jobID}/transcribe", app.Transcribe)
			r.Post("/jobs/{jobID}/submit-text", app.SubmitText)
		})

		r.Get("/jobs/{jobID}", app.GetJob)
		r.Put("/jobs/{jobID}/favorite", app.Favorite)
		r.Put("/jobs/{jobID}/approval", app.Approval)
		r.Get("/jobs/{jobID}/audio", app.Audio)
		r.Get("/jobs/{jobID}/bundle", app.Bundle)

		r.Get("/collection", app.Collection)
		r.Get("/collection/events", app.CollectionEvents)
	})

	return r
}
