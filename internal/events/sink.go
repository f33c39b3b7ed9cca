package events

import (
	"context"
	"fmt"
)

// Sink receives committed events for downstream consumers. Sinks are
// best-effort: the database log stays the source of truth.
type Sink interface {
	Publish(ctx context.Context, records ...Record) error
}

// StreamWriter is the subset of the Redis cache used by StreamSink.
type StreamWriter interface {
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
}

// StreamSink mirrors committed events onto a capped Redis stream.
type StreamSink struct {
	w      StreamWriter
	stream string
	maxLen int64
}

// NewStreamSink creates a StreamSink writing to stream, trimmed to about maxLen entries.
func NewStreamSink(w StreamWriter, stream string, maxLen int64) *StreamSink {
	return &StreamSink{w: w, stream: stream, maxLen: maxLen}
}

var _ Sink = (*StreamSink)(nil)

func (s *StreamSink) Publish(ctx context.Context, records ...Record) error {
	for _, r := range records {
		_, err := s.w.XAdd(ctx, s.stream, s.maxLen, map[string]any{
			"sequence":     r.Sequence,
			"event_id":     r.ID.String(),
			"event_type":   string(r.Type),
			"aggregate_id": r.AggregateID.String(),
			"payload":      string(r.Payload),
		})
		if err != nil {
			return fmt.Errorf("publishing event %s: %w", r.ID, err)
		}
	}
	return nil
}
