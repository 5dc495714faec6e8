// Package event defines the immutable event envelope, the canonical
// work-package lane vocabulary, and per-type payload validation.
//
// An Event is the unit of change exchanged with the team server. Its
// ordering authority is the Lamport clock value; the wall-clock
// timestamp is display-only. Event ids are 26-character lexically
// sortable ULIDs and serve as the sole deduplication key end-to-end.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/relaydev/relay/pkg/clock"
	"github.com/relaydev/relay/pkg/identity"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Well-known event types.
const (
	TypeStatusChange     = "status-change"
	TypeMissionStarted   = "mission-started"
	TypeMissionCompleted = "mission-completed"
	TypeWorkPackageNote  = "work-package-note"
)

// Event is the immutable unit of change. Once constructed it is never
// mutated; queue and channel state live outside the envelope.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	NodeID        string         `json:"node_id"`
	LamportClock  int64          `json:"lamport_clock"`
	CausationID   string         `json:"causation_id,omitempty"`
	ProjectUUID   string         `json:"project_uuid,omitempty"`
	ProjectSlug   string         `json:"project_slug,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	SchemaVersion int            `json:"schema_version"`
	DataTier      string         `json:"data_tier,omitempty"`

	// QueueOnly marks an envelope that must not be delivered over the
	// network because project attribution is missing. Not serialized.
	QueueOnly bool `json:"-"`
}

// Option customizes envelope construction.
type Option func(*Event)

// WithCausation links the new event to its parent: the parent's id
// becomes the causation id and its correlation id is inherited, so one
// logical operation stays grouped.
func WithCausation(parent *Event) Option {
	return func(e *Event) {
		if parent == nil {
			return
		}
		e.CausationID = parent.EventID
		if parent.CorrelationID != "" {
			e.CorrelationID = parent.CorrelationID
		}
	}
}

// WithCorrelationID groups the event under an existing operation id.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithDataTier sets the progressive-disclosure tier.
func WithDataTier(tier string) Option {
	return func(e *Event) { e.DataTier = tier }
}

// Factory constructs fully-populated envelopes from a clock and an
// identity. OnTick, when set, is called with each new clock value so
// the counter can be persisted alongside the event.
type Factory struct {
	Clock    *clock.Clock
	Identity identity.Identity
	OnTick   func(int64)
}

// New builds an envelope for a local mutation. The clock is ticked
// exactly once. Payloads of well-known types are validated against
// their schema; unknown types pass through unvalidated.
//
// Missing identity never fails construction: an envelope without a
// project uuid is flagged QueueOnly and the caller surfaces a warning.
func (f *Factory) New(eventType, aggregateID, aggregateType string, payload map[string]any, opts ...Option) (*Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event: empty event type")
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("event: empty aggregate id")
	}
	if err := ValidatePayload(eventType, payload); err != nil {
		return nil, err
	}

	ts := f.Clock.Tick()
	if f.OnTick != nil {
		f.OnTick(ts)
	}

	e := &Event{
		EventID:       NewID(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		NodeID:        f.Identity.NodeID,
		LamportClock:  ts,
		ProjectUUID:   f.Identity.ProjectUUID,
		ProjectSlug:   f.Identity.ProjectSlug,
		CorrelationID: uuid.NewString(),
		SchemaVersion: SchemaVersion,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ProjectUUID == "" {
		e.QueueOnly = true
	}
	return e, nil
}

// NewID mints a 26-character lexically-sortable event id.
func NewID() string {
	return ulid.Make().String()
}
