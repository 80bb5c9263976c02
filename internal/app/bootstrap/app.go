package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-scribe/internal/api/router"
	"github.com/wolfman30/clinic-scribe/internal/appointment"
	"github.com/wolfman30/clinic-scribe/internal/audit"
	appconfig "github.com/wolfman30/clinic-scribe/internal/config"
	"github.com/wolfman30/clinic-scribe/internal/credential"
	"github.com/wolfman30/clinic-scribe/internal/emr/smart"
	"github.com/wolfman30/clinic-scribe/internal/encounter"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/internal/http/handlers"
	"github.com/wolfman30/clinic-scribe/internal/observability/metrics"
	"github.com/wolfman30/clinic-scribe/internal/scribe"
	"github.com/wolfman30/clinic-scribe/internal/selection"
	"github.com/wolfman30/clinic-scribe/internal/session"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// App is the wired API process.
type App struct {
	Handler http.Handler
	Session *session.Service
	closers []func()
}

// Close releases every backing connection, last opened first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// SearchDefaults maps the fixed appointment codings from config.
func SearchDefaults(cfg *appconfig.Config) appointment.Defaults {
	return appointment.Defaults{
		PatientIDSystem: cfg.PatientIDSystem,
		MRNSystem:       cfg.MRNSystem,
		ServiceType: fhir.Coding{
			System:  cfg.ServiceTypeSystem,
			Code:    cfg.ServiceTypeCode,
			Display: cfg.ServiceTypeDisplay,
		},
		Indication: appointment.Indication{
			System:  cfg.IndicationSystem,
			Code:    cfg.IndicationCode,
			Display: cfg.IndicationDisplay,
			Text:    cfg.IndicationText,
		},
		LocationRef: cfg.DefaultLocationReference,
	}
}

// ReselectPolicy maps RESELECT_CLEARS_PATIENT.
func ReselectPolicy(cfg *appconfig.Config) selection.ReselectPolicy {
	if cfg.ReselectClearsPatient {
		return selection.ClearPatient
	}
	return selection.KeepPatient
}

// BuildSearchClient returns the appointment search client, or nil when no
// endpoint is configured.
func BuildSearchClient(cfg *appconfig.Config, logger *logging.Logger, m *metrics.SearchMetrics) (*appointment.Client, error) {
	if strings.TrimSpace(cfg.AppointmentFindURL) == "" {
		return nil, nil
	}
	return appointment.NewClient(appointment.Config{
		Endpoint: cfg.AppointmentFindURL,
		Timeout:  cfg.HTTPTimeout,
	}, logger, m)
}

// Build wires the API: credential store, record and scribe clients, the
// session service, appointment search and the router. reg receives every
// collector; nil uses the default registry.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg *prometheus.Registry) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	policy, err := appointment.ParseRolloverPolicy(cfg.EndTimeRollover)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	backend, closeBackend, err := BuildCredentialBackend(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, closeBackend)

	auditService, closeAudit, err := BuildAuditService(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, closeAudit)
	var recorder audit.Recorder = audit.Nop{}
	if auditService != nil {
		recorder = auditService
	}

	records, err := smart.New(smart.Config{
		BaseURL:      cfg.FHIRBaseURL,
		TokenURL:     cfg.FHIRTokenURL,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
		RedirectURI:  cfg.FHIRRedirectURI,
		Timeout:      cfg.HTTPTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("bootstrap: %w", err))
	}
	sessions, err := scribe.New(scribe.Config{BaseURL: cfg.ScribeBaseURL, Timeout: cfg.HTTPTimeout})
	if err != nil {
		return fail(fmt.Errorf("bootstrap: %w", err))
	}

	svc := session.NewService(session.Deps{
		Store:     credential.NewStore(backend, logger),
		Records:   records,
		Sessions:  sessions,
		Bridge:    encounter.NewBridge(records, records, logger),
		Audit:     recorder,
		Metrics:   metrics.NewSessionMetrics(registerer),
		Logger:    logger,
		Reselect:  ReselectPolicy(cfg),
		MRNSystem: cfg.MRNSystem,
	})
	app.Session = svc

	if ok, err := svc.Restore(ctx); err != nil {
		logger.Warn("credential restore failed", "error", err)
	} else if ok {
		if _, err := svc.Prime(ctx); err != nil {
			logger.Warn("session prime after restore failed", "error", err)
		}
	}

	routerCfg := &router.Config{
		Logger:             logger,
		Session:            handlers.NewSessionHandler(svc, logger),
		StateStream:        handlers.NewStateStream(svc, logger),
		Tokens:             svc,
		OperatorJWTSecret:  cfg.OperatorJWTSecret,
		MetricsHandler:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	}

	searcher, err := BuildSearchClient(cfg, logger, metrics.NewSearchMetrics(registerer))
	if err != nil {
		return fail(fmt.Errorf("bootstrap: %w", err))
	}
	if searcher != nil {
		routerCfg.Appointments = handlers.NewAppointmentHandler(searcher, svc, SearchDefaults(cfg), policy, logger)
	} else {
		logger.Warn("APPOINTMENT_FIND_URL not set; appointment search disabled")
	}
	if auditService != nil {
		routerCfg.Audit = handlers.NewAuditHandler(auditService, logger)
	}

	app.Handler = router.New(routerCfg)
	return app, nil
}
