package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-scribe/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-scribe/internal/http/middleware"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Session            *handlers.SessionHandler
	Appointments       *handlers.AppointmentHandler
	StateStream        http.Handler
	Audit              *handlers.AuditHandler
	Tokens             TokenSource
	OperatorJWTSecret  string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (health, metrics, auth redirect)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Session != nil {
			public.Get("/auth/callback", cfg.Session.AuthCallback)
			public.Post("/logout", cfg.Session.Logout)
			public.Get("/state", cfg.Session.State)
		}
		if cfg.StateStream != nil {
			public.Handle("/ws/state", cfg.StateStream)
		}
		if cfg.Appointments != nil {
			public.Get("/appointments/slots", cfg.Appointments.Slots)
		}
	})

	// Clinician endpoints; require a loaded credential.
	r.Group(func(api chi.Router) {
		if cfg.RateLimitRPS > 0 {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		api.Use(requireSignedIn(cfg.Tokens))

		if cfg.Session != nil {
			api.Get("/patients", cfg.Session.Patients)
			api.Route("/selection", func(sel chi.Router) {
				sel.Put("/practitioner/{id}", cfg.Session.SelectPractitioner)
				sel.Put("/patient", cfg.Session.SelectPatient)
			})
			api.Route("/session", func(s chi.Router) {
				s.Post("/start", cfg.Session.Start)
				s.Post("/complete", cfg.Session.Complete)
			})
		}
		if cfg.Appointments != nil {
			api.Post("/appointments/search", cfg.Appointments.Search)
		}
	})

	// Operator endpoints
	if cfg.Audit != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.OperatorJWT(cfg.OperatorJWTSecret))
			admin.Get("/audit", cfg.Audit.List)
		})
	}

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
