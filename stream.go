package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamKind discriminates StreamEvent.
type StreamKind string

const (
	// StreamLogEvent carries an event just appended to the session log.
	StreamLogEvent StreamKind = "event"
	// StreamDelta carries a model output fragment. Deltas are transient:
	// they are never written to the log.
	StreamDelta StreamKind = "delta"
	// StreamDone closes the stream with the run's final status.
	StreamDone StreamKind = "done"
)

// StreamEvent is one item on a run's live feed.
type StreamEvent struct {
	Kind   StreamKind `json:"kind"`
	Event  *Event     `json:"event,omitempty"`
	Delta  *Delta     `json:"delta,omitempty"`
	Status RunStatus  `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// StreamFunc receives live stream events during a run. It is called from the
// run's goroutines and must not block for long.
type StreamFunc func(StreamEvent)

// WriteSSEEvent writes one stream event in Server-Sent Events framing and
// flushes.
func WriteSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// ServeSSE bridges a stream channel to an SSE response. It writes events
// until the channel closes or the client disconnects.
func ServeSSE(ctx context.Context, w http.ResponseWriter, events <-chan StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return nil
			}
			if err := WriteSSEEvent(w, flusher, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
