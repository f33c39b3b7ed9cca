// Package events defines the append-only audit log written alongside
// approval state changes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// Type identifies the schema of an event payload.
type Type string

const TypeApprovalGiven Type = "approval_given"

// ErrUnknownType is returned when decoding a record of an unregistered type.
var ErrUnknownType = errors.New("unknown event type")

// Event is a domain fact. Events are immutable once appended.
type Event interface {
	EventID() uuid.UUID
	EventType() Type
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

// ApprovalGiven is emitted once per accepted vote. AggregateID is the flow id.
type ApprovalGiven struct {
	ID              uuid.UUID               `json:"event_id"`
	FlowID          uuid.UUID               `json:"aggregate_id"`
	ChangeRequestID string                  `json:"change_request_id"`
	ApproverID      string                  `json:"approver_id"`
	ApproverRole    models.ApprovalRole     `json:"approver_role"`
	Decision        models.ApprovalDecision `json:"decision"`
	Comments        string                  `json:"comments"`
	Timestamp       time.Time               `json:"timestamp"`
}

// NewApprovalGiven builds the event for a vote recorded on flowID.
func NewApprovalGiven(flowID uuid.UUID, rec models.ApprovalRecord) ApprovalGiven {
	return ApprovalGiven{
		ID:              uuid.New(),
		FlowID:          flowID,
		ChangeRequestID: rec.ChangeRequestID,
		ApproverID:      rec.ApproverID,
		ApproverRole:    rec.ApproverRole,
		Decision:        rec.Decision,
		Comments:        rec.Comments,
		Timestamp:       rec.CreatedAt,
	}
}

func (e ApprovalGiven) EventID() uuid.UUID     { return e.ID }
func (e ApprovalGiven) EventType() Type        { return TypeApprovalGiven }
func (e ApprovalGiven) AggregateID() uuid.UUID { return e.FlowID }
func (e ApprovalGiven) OccurredAt() time.Time  { return e.Timestamp }

// Record is the stored form of an event. Sequence is assigned by the store
// and is strictly increasing in append order.
type Record struct {
	Sequence    int64           `db:"sequence"     json:"sequence"`
	ID          uuid.UUID       `db:"event_id"     json:"event_id"`
	Type        Type            `db:"event_type"   json:"event_type"`
	AggregateID uuid.UUID       `db:"aggregate_id" json:"aggregate_id"`
	Payload     json.RawMessage `db:"payload"      json:"payload"`
	OccurredAt  time.Time       `db:"occurred_at"  json:"occurred_at"`
}

// Encode serializes e into a Record without a sequence.
func Encode(e Event) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s event: %w", e.EventType(), err)
	}
	return Record{
		ID:          e.EventID(),
		Type:        e.EventType(),
		AggregateID: e.AggregateID(),
		Payload:     payload,
		OccurredAt:  e.OccurredAt(),
	}, nil
}

// Decode restores the typed event held in r.
func (r Record) Decode() (Event, error) {
	switch r.Type {
	case TypeApprovalGiven:
		var e ApprovalGiven
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			return nil, fmt.Errorf("decoding %s event %s: %w", r.Type, r.ID, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
}

// Appender appends events inside the caller's unit of work. Nothing appended
// is visible to readers unless the unit of work commits. The returned record
// carries the sequence the store assigned; a rolled-back append leaves a gap.
type Appender interface {
	Append(ctx context.Context, e Event) (Record, error)
}

// Reader reads committed events.
type Reader interface {
	ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Record, error)
}
