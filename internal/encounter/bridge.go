// Package encounter files finished visit summaries back onto the health
// record as DocumentReferences linked to an encounter.
package encounter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

const (
	loincSystem       = "http://loinc.org"
	progressNoteCode  = "11506-3"
	progressNoteTitle = "Progress note"
)

var (
	// ErrNoEncounter is returned when a patient has no encounter to attach to.
	ErrNoEncounter = errors.New("encounter: no encounter found")
	// ErrEmptySummary is returned for a blank summary.
	ErrEmptySummary = errors.New("encounter: summary text is empty")
)

// Bridge writes summaries to the record. Failures are reported to the caller
// and never retried here.
type Bridge struct {
	encounters emr.EncounterLister
	documents  emr.DocumentWriter
	logger     *logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewBridge creates an encounter bridge.
func NewBridge(encounters emr.EncounterLister, documents emr.DocumentWriter, logger *logging.Logger) *Bridge {
	if documents == nil {
		panic("encounter: document writer required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		encounters: encounters,
		documents:  documents,
		logger:     logger.Component("encounter"),
		tracer:     otel.Tracer("clinic-scribe.internal.encounter"),
		now:        time.Now,
	}
}

// Attach files text as a progress note on the given encounter and returns the
// created document id.
func (b *Bridge) Attach(ctx context.Context, token, patientRef, encounterID, text string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "encounter.attach")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptySummary
	}
	patientID := fhir.LocalID(patientRef, fhir.TypePatient)
	encID := fhir.LocalID(encounterID, fhir.TypeEncounter)
	if patientID == "" || encID == "" {
		return "", fmt.Errorf("encounter: patient and encounter references are required")
	}
	span.SetAttributes(attribute.String("encounter.id", encID))

	doc := fhir.DocumentReference{
		ResourceType: fhir.TypeDocumentReference,
		Status:       "current",
		DocStatus:    "final",
		Type: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: loincSystem, Code: progressNoteCode, Display: progressNoteTitle}},
			Text:   progressNoteTitle,
		},
		Subject: &fhir.Reference{Reference: fhir.TypePatient + "/" + patientID},
		Date:    b.now().UTC().Format(time.RFC3339),
		Content: []fhir.DocumentContent{{
			Attachment: fhir.Attachment{
				ContentType: "text/plain",
				Data:        base64.StdEncoding.EncodeToString([]byte(text)),
				Title:       "Visit summary",
			},
		}},
		Context: &fhir.DocumentContext{
			Encounter: []fhir.Reference{{Reference: fhir.TypeEncounter + "/" + encID}},
		},
	}

	created, err := b.documents.CreateDocumentReference(ctx, token, doc)
	if err != nil {
		span.RecordError(err)
		b.logger.Warn("summary attach failed", "encounter_id", encID, "error", err)
		return "", fmt.Errorf("encounter: attach summary: %w", err)
	}
	b.logger.Info("summary attached", "encounter_id", encID, "document_id", created.ID)
	return created.ID, nil
}

// LatestEncounter returns the id of the patient's most recent encounter by
// period start. Encounters without a parseable start sort last.
func (b *Bridge) LatestEncounter(ctx context.Context, token, patientRef string) (string, error) {
	if b.encounters == nil {
		return "", fmt.Errorf("encounter: encounter lister not configured")
	}
	ctx, span := b.tracer.Start(ctx, "encounter.latest")
	defer span.End()

	encounters, err := b.encounters.ListEncounters(ctx, token, patientRef)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("encounter: list encounters: %w", err)
	}

	var (
		bestID   string
		bestTime time.Time
		found    bool
	)
	for _, enc := range encounters {
		if enc.ID == "" {
			continue
		}
		var start time.Time
		if enc.Period != nil {
			start, _ = enc.Period.StartTime()
		}
		if !found || start.After(bestTime) {
			bestID, bestTime, found = enc.ID, start, true
		}
	}
	if !found {
		return "", ErrNoEncounter
	}
	return bestID, nil
}
