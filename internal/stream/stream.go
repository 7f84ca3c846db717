// Package stream defines the gateway's unified streaming protocol: every
// backend's native incremental response is normalised into an ordered
// sequence of events, serialised to the client as server-sent events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Event is the unified output unit. A text event carries a fragment of the
// completion; a finish event carries an empty text and a finish reason and is
// always the last event of its stream.
type Event struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// IsFinish reports whether the event terminates its stream.
func (e Event) IsFinish() bool {
	return e.FinishReason != ""
}

// Stream is a single-pass, forward-only sequence of events backed by an open
// upstream connection. Recv returns io.EOF once the sequence is exhausted.
// Closing the stream releases the upstream connection; it is safe to call
// Close more than once and after Recv returned an error.
type Stream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// WriteEvent serialises one event as a single SSE data frame.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	return nil
}
