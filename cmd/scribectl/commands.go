package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-scribe/internal/app/bootstrap"
	"github.com/wolfman30/clinic-scribe/internal/appointment"
	"github.com/wolfman30/clinic-scribe/internal/audit"
	"github.com/wolfman30/clinic-scribe/internal/credential"
)

func newSlotsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "List selectable start times and durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slots := appointment.Slots()
			if c.jsonOut {
				return c.printJSON(map[string]any{
					"slots":     slots,
					"durations": appointment.Durations,
					"rollover":  c.cfg.EndTimeRollover,
				})
			}
			fmt.Fprintf(c.out, "durations (minutes): %v\n", appointment.Durations)
			for _, s := range slots {
				fmt.Fprintln(c.out, s)
			}
			return nil
		},
	}
}

func newSearchCmd(c *cli) *cobra.Command {
	var (
		form     appointment.Form
		given    string
		token    string
		endpoint string
		rollover string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run an appointment search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if given != "" {
				form.GivenNames = strings.Fields(given)
			}
			if rollover == "" {
				rollover = c.cfg.EndTimeRollover
			}
			policy, err := appointment.ParseRolloverPolicy(rollover)
			if err != nil {
				return err
			}
			query, err := appointment.Build(form, bootstrap.SearchDefaults(c.cfg), policy)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if token == "" {
				token, err = c.storedToken(ctx)
				if err != nil {
					return err
				}
			}
			if token == "" {
				return fmt.Errorf("no stored sign-in; pass --token or sign in through the API")
			}

			cfg := *c.cfg
			if endpoint != "" {
				cfg.AppointmentFindURL = endpoint
			}
			searcher, err := bootstrap.BuildSearchClient(&cfg, c.logger, nil)
			if err != nil {
				return err
			}
			if searcher == nil {
				return fmt.Errorf("APPOINTMENT_FIND_URL is not set; pass --endpoint")
			}

			outcome, err := searcher.Search(ctx, token, query)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(outcome)
			}
			appts, err := outcome.Appointments()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "provenance: %s\n", outcome.Provenance)
			fmt.Fprintf(c.out, "window: %s .. %s\n", query.StartUTC.Format(appointment.WireLayout), query.EndUTC.Format(appointment.WireLayout))
			fmt.Fprintf(c.out, "appointments: %d\n", len(appts))
			for _, a := range appts {
				fmt.Fprintf(c.out, "  %s\t%s\t%s\n", a.ID, a.Status, a.Start)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&form.PatientID, "patient-id", "", "patient identifier")
	f.StringVar(&form.MRN, "mrn", "", "medical record number")
	f.StringVar(&form.FamilyName, "family", "", "family name hint")
	f.StringVar(&given, "given", "", "given names hint, space separated")
	f.StringVar(&form.Date, "date", "", "appointment date (YYYY-MM-DD)")
	f.StringVar(&form.StartTime, "start", "", "start slot (HH:MM:SS, quarter hours)")
	f.IntVar(&form.DurationMinutes, "duration", 30, "duration in minutes")
	f.StringVar(&form.LocationRef, "location", "", "location reference (default DEFAULT_LOCATION_REFERENCE)")
	f.StringVar(&token, "token", "", "access token (default: stored sign-in)")
	f.StringVar(&endpoint, "endpoint", "", "search endpoint (default APPOINTMENT_FIND_URL)")
	f.StringVar(&rollover, "rollover", "", "end time rollover: advance or legacy")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("patient-id")
	_ = cmd.MarkFlagRequired("mrn")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored sign-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := c.credentialStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			cred, err := store.Initialize(cmd.Context())
			if err != nil {
				return err
			}
			status := map[string]any{
				"backend":       c.backendName(),
				"authenticated": cred != nil,
			}
			if cred != nil {
				status["fhir_user"] = cred.FHIRUserRef
				status["practitioner_id"] = cred.PractitionerID()
				status["patient_ref"] = cred.PatientRef
			}
			if c.jsonOut {
				return c.printJSON(status)
			}
			if cred == nil {
				fmt.Fprintf(c.out, "signed out (backend %s)\n", c.backendName())
				return nil
			}
			fmt.Fprintf(c.out, "signed in (backend %s)\n", c.backendName())
			fmt.Fprintf(c.out, "fhir user: %s\n", cred.FHIRUserRef)
			if id := cred.PractitionerID(); id != "" {
				fmt.Fprintf(c.out, "practitioner: %s\n", id)
			}
			return nil
		},
	}
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored sign-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := c.credentialStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "signed out")
			return nil
		},
	}
}

func newAuditCmd(c *cli) *cobra.Command {
	var (
		filter audit.Filter
		event  string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the session audit trail from DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.EventType = audit.EventType(event)
			if since > 0 {
				filter.Since = time.Now().UTC().Add(-since)
			}
			if filter.Limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}

			cfg := *c.cfg
			cfg.AuditEnabled = true
			svc, closeFn, err := bootstrap.BuildAuditService(cmd.Context(), &cfg, c.logger)
			if err != nil {
				return err
			}
			defer closeFn()

			events, err := svc.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(events)
			}
			tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tEPOCH\tFROM\tTO\tSESSION\tREASONS")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.EventType, e.Epoch,
					e.FromPhase, e.ToPhase, e.SessionID, strings.Join(e.Reasons, ","))
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.SessionID, "session-id", "", "only events for this scribe session")
	f.StringVar(&event, "event", "", "only this event type, e.g. session.started")
	f.DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	f.IntVar(&filter.Limit, "limit", 50, "maximum events to return")
	return cmd
}

func (c *cli) backendName() string {
	if c.cfg.CredentialBackend == "" {
		return bootstrap.BackendMemory
	}
	return c.cfg.CredentialBackend
}

func (c *cli) credentialStore(ctx context.Context) (*credential.Store, func(), error) {
	backend, closeFn, err := bootstrap.BuildCredentialBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	return credential.NewStore(backend, c.logger), closeFn, nil
}

func (c *cli) storedToken(ctx context.Context) (string, error) {
	store, closeFn, err := c.credentialStore(ctx)
	if err != nil {
		return "", err
	}
	defer closeFn()
	cred, err := store.Initialize(ctx)
	if err != nil || cred == nil {
		return "", err
	}
	return cred.Token, nil
}
