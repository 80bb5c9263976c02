package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-scribe/internal/audit"
	"github.com/wolfman30/clinic-scribe/internal/credential"
	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/encounter"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/internal/observability/metrics"
	"github.com/wolfman30/clinic-scribe/internal/selection"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// auditTimeout bounds a single audit write.
const auditTimeout = 5 * time.Second

// Snapshot is the read model of State served to clients.
type Snapshot struct {
	Phase         Phase                   `json:"phase"`
	Epoch         int64                   `json:"epoch"`
	Practitioner  *selection.Practitioner `json:"practitioner,omitempty"`
	Patient       *selection.Patient      `json:"patient,omitempty"`
	CanStart      bool                    `json:"can_start"`
	Missing       []selection.Reason      `json:"missing,omitempty"`
	Attempt       int64                   `json:"attempt"`
	StartInFlight bool                    `json:"start_in_flight"`
	Handle        *Handle                 `json:"handle,omitempty"`
	HasSummary    bool                    `json:"has_summary"`
	DocumentID    string                  `json:"document_id,omitempty"`
	StartError    string                  `json:"start_error,omitempty"`
	AttachError   string                  `json:"attach_error,omitempty"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     *credential.Store
	Records   emr.Records
	Sessions  emr.SessionStarter
	Bridge    *encounter.Bridge
	Audit     audit.Recorder
	Metrics   *metrics.SessionMetrics
	Logger    *logging.Logger
	Reselect  selection.ReselectPolicy
	MRNSystem string
}

// Service owns the lifecycle State. Transitions run under mu; collaborator
// calls run outside it and report back with the epoch they were issued in, so
// results that arrive after a logout are dropped.
type Service struct {
	mu      sync.Mutex
	state   State
	cred    *credential.Credential
	machine Machine
	// pending holds audit events observed under mu until unlock flushes them.
	pending []audit.Event

	store     *credential.Store
	records   emr.Records
	sessions  emr.SessionStarter
	bridge    *encounter.Bridge
	audit     audit.Recorder
	metrics   *metrics.SessionMetrics
	logger    *logging.Logger
	mrnSystem string
	now       func() time.Time

	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}
}

// NewService creates a session service in the Unauthenticated phase.
func NewService(deps Deps) *Service {
	if deps.Store == nil {
		panic("session: credential store required")
	}
	if deps.Records == nil {
		panic("session: records client required")
	}
	if deps.Sessions == nil {
		panic("session: session starter required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{
		state:     State{Phase: PhaseUnauthenticated},
		machine:   Machine{Reselect: deps.Reselect},
		store:     deps.Store,
		records:   deps.Records,
		sessions:  deps.Sessions,
		bridge:    deps.Bridge,
		audit:     rec,
		metrics:   deps.Metrics,
		logger:    logger.Component("session"),
		mrnSystem: deps.MRNSystem,
		now:       time.Now,
		subs:      make(map[chan Snapshot]struct{}),
	}
}

// Restore loads a persisted credential. It reports whether the service is
// now authenticated; a missing credential is not an error.
func (s *Service) Restore(ctx context.Context) (bool, error) {
	cred, err := s.store.Initialize(ctx)
	if err != nil {
		return false, err
	}
	if cred == nil {
		return false, nil
	}
	if err := s.authenticate(ctx, cred); err != nil {
		return false, err
	}
	return true, nil
}

// Login exchanges an authorization code, persists the credential and enters
// Selecting. An existing session is logged out first.
func (s *Service) Login(ctx context.Context, code string) (Snapshot, error) {
	grant, err := s.records.ExchangeCode(ctx, code)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("session: login: %w", err)
	}
	cred := credential.Credential{
		Token:       grant.AccessToken,
		PatientRef:  grant.PatientRef,
		FHIRUserRef: grant.FHIRUserRef,
	}
	if kind, _, ok := fhir.ParseReference(grant.FHIRUserRef); ok && kind == fhir.TypePractitioner {
		cred.PractitionerRef = grant.FHIRUserRef
	}
	if err := s.store.Submit(ctx, cred); err != nil {
		return s.Snapshot(), fmt.Errorf("session: login: %w", err)
	}
	if err := s.authenticate(ctx, &cred); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

func (s *Service) authenticate(ctx context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	if s.state.Phase != PhaseUnauthenticated {
		_, _ = s.transitionLocked(ctx, LoggedOut{})
	}
	s.cred = cred
	_, err := s.transitionLocked(ctx, CredentialLoaded{})
	s.unlock(ctx)
	return err
}

// Prime loads the signed-in practitioner and the patient list concurrently.
// When the credential names a practitioner it is selected automatically.
func (s *Service) Prime(ctx context.Context) ([]selection.Patient, error) {
	token, epoch, cred, err := s.session()
	if err != nil {
		return nil, err
	}

	var (
		practitioner *fhir.Practitioner
		patients     []fhir.Patient
	)
	g, gctx := errgroup.WithContext(ctx)
	if id := cred.PractitionerID(); id != "" {
		g.Go(func() error {
			p, err := s.records.LookupPractitioner(gctx, token, id)
			if err != nil {
				// A missing practitioner leaves the selection to the user.
				s.logger.Warn("preload practitioner failed", "error", err)
				return nil
			}
			practitioner = p
			return nil
		})
	}
	g.Go(func() error {
		list, err := s.records.ListPatients(gctx, token)
		if err != nil {
			return fmt.Errorf("session: list patients: %w", err)
		}
		patients = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if practitioner != nil {
		if err := s.dispatchAt(ctx, epoch, PractitionerSelected{Practitioner: PractitionerFromFHIR(*practitioner)}); err != nil {
			return nil, err
		}
	}
	return s.toPatients(patients), nil
}

// ListPatients returns the patients visible to the credential.
func (s *Service) ListPatients(ctx context.Context) ([]selection.Patient, error) {
	token, _, _, err := s.session()
	if err != nil {
		return nil, err
	}
	list, err := s.records.ListPatients(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("session: list patients: %w", err)
	}
	return s.toPatients(list), nil
}

// SelectPractitioner resolves id on the record and selects it.
func (s *Service) SelectPractitioner(ctx context.Context, id string) (Snapshot, error) {
	token, epoch, _, err := s.session()
	if err != nil {
		return s.Snapshot(), err
	}
	p, err := s.records.LookupPractitioner(ctx, token, id)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("session: lookup practitioner: %w", err)
	}
	if err := s.dispatchAt(ctx, epoch, PractitionerSelected{Practitioner: PractitionerFromFHIR(*p)}); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// SelectPatient selects p. It is rejected unless a practitioner is selected.
func (s *Service) SelectPatient(ctx context.Context, p selection.Patient) (Snapshot, error) {
	err := s.dispatch(ctx, PatientSelected{Patient: p})
	return s.Snapshot(), err
}

// Start opens a recording session for the current selection. A second call
// while one is outstanding fails with ErrStartInFlight. A failed call returns
// *StartError and leaves the machine in Starting so the caller can retry.
func (s *Service) Start(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	cmds, err := s.transitionLocked(ctx, StartRequested{})
	s.unlock(ctx)
	if err != nil {
		return Handle{}, err
	}

	var cmd StartSessionCmd
	for _, c := range cmds {
		if sc, ok := c.(StartSessionCmd); ok {
			cmd = sc
		}
	}

	started := s.now()
	sessionID, callErr := s.sessions.StartSession(ctx, cmd.Patient.ID(), cmd.Practitioner.ID)
	s.metrics.ObserveStart(callErr == nil, s.now().Sub(started).Seconds())

	if callErr != nil {
		if err := s.dispatch(ctx, StartFailed{Epoch: cmd.Epoch, Attempt: cmd.Attempt, Err: callErr}); err != nil {
			return Handle{}, err
		}
		s.logger.Warn("start session failed", "attempt", cmd.Attempt, "error", callErr)
		return Handle{}, &StartError{Attempt: cmd.Attempt, Err: callErr}
	}

	s.mu.Lock()
	_, err = s.transitionLocked(ctx, StartSucceeded{Epoch: cmd.Epoch, Attempt: cmd.Attempt, SessionID: sessionID})
	var handle Handle
	if err == nil && s.state.Handle != nil {
		handle = *s.state.Handle
	}
	s.unlock(ctx)
	if err != nil {
		return Handle{}, err
	}
	s.logger.Info("session started", "session_id", handle.SessionID)
	return handle, nil
}

// CompleteOptions controls where a finished summary goes.
type CompleteOptions struct {
	Attach      bool
	EncounterID string
}

// CompleteRecording moves Active to Summarizing and then to Done, filing the
// summary on the record when opts.Attach is set. A filing failure is reported
// on the snapshot and never blocks Done.
func (s *Service) CompleteRecording(ctx context.Context, summary string, opts CompleteOptions) (Snapshot, error) {
	s.mu.Lock()
	var target *AttachTarget
	if opts.Attach && s.state.Handle != nil {
		target = &AttachTarget{PatientRef: s.state.Handle.PatientRef(), EncounterID: opts.EncounterID}
	}
	token := ""
	if s.cred != nil {
		token = s.cred.Token
	}
	epoch := s.state.Epoch
	cmds, err := s.transitionLocked(ctx, SummaryReady{Summary: summary, Target: target})
	s.unlock(ctx)
	if err != nil {
		return s.Snapshot(), err
	}

	filed := SummaryFiled{Epoch: epoch}
	for _, c := range cmds {
		if ac, ok := c.(AttachSummaryCmd); ok {
			filed.DocumentID, filed.Err = s.attach(ctx, token, ac)
			s.metrics.ObserveAttach(filed.Err == nil)
		}
	}
	if err := s.dispatch(ctx, filed); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

func (s *Service) attach(ctx context.Context, token string, cmd AttachSummaryCmd) (string, error) {
	if s.bridge == nil {
		return "", errors.New("session: encounter bridge not configured")
	}
	encounterID := cmd.EncounterID
	if encounterID == "" {
		id, err := s.bridge.LatestEncounter(ctx, token, cmd.PatientRef)
		if err != nil {
			return "", err
		}
		encounterID = id
	}
	return s.bridge.Attach(ctx, token, cmd.PatientRef, encounterID, cmd.Text)
}

// Logout clears the persisted credential and resets every selection, the
// handle and any pending summary in one step. Results still in flight are
// discarded when they arrive. When the credential cannot be cleared the
// session is left signed in and ErrLogoutFailed is returned, so a retry can
// finish the job.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	if err := s.store.Clear(ctx); err != nil {
		s.unlock(ctx)
		s.logger.Warn("credential clear failed; session kept", "error", err)
		return fmt.Errorf("session: logout: %w: %w", ErrLogoutFailed, err)
	}
	s.cred = nil
	_, _ = s.transitionLocked(ctx, LoggedOut{})
	s.unlock(ctx)
	return nil
}

// Token returns the current access token, or "" when unauthenticated.
func (s *Service) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return ""
	}
	return s.cred.Token
}

// TokenEpoch returns the access token with the epoch it belongs to. Callers
// that use the token outside the service compare the epoch afterwards to
// detect a logout in between.
func (s *Service) TokenEpoch() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return "", s.state.Epoch
	}
	return s.cred.Token, s.state.Epoch
}

// Snapshot returns the current read model.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.state)
}

// Subscribe streams snapshots after every accepted transition until ctx is
// done. Slow readers only ever see the latest snapshot.
func (s *Service) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- s.Snapshot()

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *Service) publish() {
	snap := s.Snapshot()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (s *Service) session() (token string, epoch int64, cred credential.Credential, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil || s.state.Phase == PhaseUnauthenticated {
		return "", 0, credential.Credential{}, ErrNotAuthenticated
	}
	return s.cred.Token, s.state.Epoch, *s.cred, nil
}

func (s *Service) dispatch(ctx context.Context, ev Event) error {
	s.mu.Lock()
	_, err := s.transitionLocked(ctx, ev)
	s.unlock(ctx)
	return err
}

// dispatchAt applies ev only if no logout happened since epoch was read.
func (s *Service) dispatchAt(ctx context.Context, epoch int64, ev Event) error {
	s.mu.Lock()
	if s.state.Epoch != epoch {
		current := s.state
		s.observe(ctx, ev, current.Phase, current.Phase, ErrStaleResult, current)
		s.unlock(ctx)
		return ErrStaleResult
	}
	_, err := s.transitionLocked(ctx, ev)
	s.unlock(ctx)
	return err
}

// transitionLocked runs the machine and records the outcome. s.mu must be held.
func (s *Service) transitionLocked(ctx context.Context, ev Event) ([]Command, error) {
	before := s.state
	next, cmds, err := s.machine.Transition(before, ev)
	if err == nil {
		s.state = next
	}
	s.observe(ctx, ev, before.Phase, next.Phase, err, next)
	return cmds, err
}

func (s *Service) observe(ctx context.Context, ev Event, from, to Phase, err error, next State) {
	name := ev.EventName()
	if err != nil {
		reason := rejectionReason(err)
		s.metrics.ObserveRejection(name, reason)
		s.logger.Info("session event rejected", "event", name, "phase", string(from), "reason", reason)

		var reasons []string
		var verr *selection.ValidationError
		if errors.As(err, &verr) {
			for _, r := range verr.Reasons {
				reasons = append(reasons, string(r))
			}
		}
		details, _ := json.Marshal(map[string]string{"event": name, "error": err.Error()})
		s.pending = append(s.pending, audit.Event{
			EventType: audit.EventRejected,
			Epoch:     next.Epoch,
			FromPhase: string(from),
			ToPhase:   string(from),
			Reasons:   reasons,
			Details:   details,
		})
		return
	}

	s.metrics.ObserveTransition(name, string(from), string(to))
	s.logger.Debug("session transition", "event", name, "from", string(from), "to", string(to), "epoch", next.Epoch)

	event := audit.Event{
		EventType: auditType(ev),
		Epoch:     next.Epoch,
		Attempt:   next.Attempt,
		FromPhase: string(from),
		ToPhase:   string(to),
	}
	if next.Gate.Practitioner != nil {
		event.PractitionerID = next.Gate.Practitioner.ID
	}
	if next.Gate.Patient != nil {
		event.PatientID = next.Gate.Patient.ID()
	}
	if next.Handle != nil {
		event.SessionID = next.Handle.SessionID
	}
	if e, ok := ev.(StartFailed); ok && e.Err != nil {
		event.Details, _ = json.Marshal(map[string]string{"error": e.Err.Error()})
	}
	if e, ok := ev.(SummaryFiled); ok && e.Err != nil {
		event.Details, _ = json.Marshal(map[string]string{"error": e.Err.Error()})
	}
	s.pending = append(s.pending, event)
}

// unlock releases mu, then records the queued audit events and publishes the
// new snapshot. A slow audit sink never holds the state lock.
func (s *Service) unlock(ctx context.Context) {
	events := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, event := range events {
		s.record(ctx, event)
	}
	s.publish()
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.audit.Record(rctx, event); err != nil {
		s.logger.Warn("audit record failed", "event_type", string(event.EventType), "error", err)
	}
}

func (s *Service) toPatients(list []fhir.Patient) []selection.Patient {
	out := make([]selection.Patient, 0, len(list))
	for _, p := range list {
		out = append(out, PatientFromFHIR(p, s.mrnSystem))
	}
	return out
}

func snapshotOf(st State) Snapshot {
	snap := Snapshot{
		Phase:         st.Phase,
		Epoch:         st.Epoch,
		Practitioner:  st.Gate.Practitioner,
		Patient:       st.Gate.Patient,
		CanStart:      st.Gate.CanStart(),
		Missing:       st.Gate.MissingReasons(),
		Attempt:       st.Attempt,
		StartInFlight: st.InFlight,
		Handle:        st.Handle,
		HasSummary:    strings.TrimSpace(st.Summary) != "",
		DocumentID:    st.DocumentID,
	}
	if st.Phase == PhaseUnauthenticated {
		snap.Missing = nil
	}
	if st.StartErr != nil {
		snap.StartError = st.StartErr.Error()
	}
	if st.AttachErr != nil {
		snap.AttachError = st.AttachErr.Error()
	}
	return snap
}

func auditType(ev Event) audit.EventType {
	switch ev.(type) {
	case CredentialLoaded:
		return audit.EventCredentialLoaded
	case PractitionerSelected:
		return audit.EventPractitionerSelected
	case PatientSelected:
		return audit.EventPatientSelected
	case StartRequested:
		return audit.EventStartRequested
	case StartSucceeded:
		return audit.EventStarted
	case StartFailed:
		return audit.EventStartFailed
	case SummaryReady:
		return audit.EventSummaryReady
	case SummaryFiled:
		return audit.EventSummaryFiled
	case LoggedOut:
		return audit.EventLoggedOut
	default:
		return audit.EventType("session." + ev.EventName())
	}
}

func rejectionReason(err error) string {
	var verr *selection.ValidationError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, ErrStartInFlight):
		return "in_flight"
	case errors.Is(err, ErrStaleResult):
		return "stale"
	case errors.Is(err, ErrNotAuthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrEmptySummary):
		return "empty_summary"
	default:
		return "invalid"
	}
}
