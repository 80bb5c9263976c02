package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for payloads that are not valid FHIR JSON.
	ErrMalformed = errors.New("fhir: malformed resource")
	// ErrUnexpectedType is returned when a payload decodes to the wrong resource.
	ErrUnexpectedType = errors.New("fhir: unexpected resource type")
)

// DecodeError locates a failure inside a bundle.
type DecodeError struct {
	Entry int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fhir: bundle entry %d: %v", e.Entry, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeResource peeks at resourceType and decodes into the matching variant.
// Unknown types come back as *Other; only malformed payloads fail.
func DecodeResource(raw []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(head.ResourceType) == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrMalformed)
	}

	var res Resource
	switch head.ResourceType {
	case TypeBundle:
		res = &Bundle{}
	case TypeOperationOutcome:
		res = &OperationOutcome{}
	case TypePatient:
		res = &Patient{}
	case TypePractitioner:
		res = &Practitioner{}
	case TypeEncounter:
		res = &Encounter{}
	case TypeDocumentReference:
		res = &DocumentReference{}
	case TypeAppointment:
		res = &Appointment{}
	case TypeParameters:
		res = &Parameters{}
	default:
		return &Other{Type: head.ResourceType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.ResourceType, err)
	}
	return res, nil
}

// DecodeBundle decodes raw and requires it to be a Bundle whose entries are
// all well formed.
func DecodeBundle(raw []byte) (*Bundle, error) {
	bundle, err := DecodeAs[Bundle](raw)
	if err != nil {
		return nil, err
	}
	if _, err := bundle.Resources(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// DecodeAs decodes raw and requires the variant to be *T.
func DecodeAs[T any](raw []byte) (*T, error) {
	res, err := DecodeResource(raw)
	if err != nil {
		return nil, err
	}
	v, ok := any(res).(*T)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedType, res.ResourceKind())
	}
	return v, nil
}

// Collect returns the bundle entries whose variant is *T, skipping others.
func Collect[T any](b Bundle) ([]T, error) {
	resources, err := b.Resources()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(resources))
	for _, res := range resources {
		if v, ok := any(res).(*T); ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

// ParseReference splits "Kind/id" (relative or absolute, optionally
// versioned) into its parts.
func ParseReference(ref string) (kind, id string, ok bool) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	kind, id = parts[len(parts)-2], parts[len(parts)-1]
	if kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// LocalID returns the id of ref when it is a reference of the given kind,
// or ref unchanged when it carries no kind prefix.
func LocalID(ref, kind string) string {
	k, id, ok := ParseReference(ref)
	if !ok {
		return strings.TrimSpace(ref)
	}
	if k != kind {
		return ""
	}
	return id
}
