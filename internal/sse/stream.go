package sse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when writing to a stream that has ended.
	ErrClosed = errors.New("stream closed")
	// ErrSlowConsumer is returned when a stream's queue is full.
	ErrSlowConsumer = errors.New("stream queue full")
)

const (
	// DefaultPingInterval keeps intermediary proxies from idling the
	// response out.
	DefaultPingInterval = 15 * time.Second
	// DefaultQueueSize bounds how far a client may fall behind.
	DefaultQueueSize = 64
)

// Stream is a push transport over one long-lived HTTP response. Events are
// queued by any goroutine and written by the goroutine running Serve, which
// is the only one that touches the ResponseWriter.
type Stream struct {
	events       chan Event
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
}

// NewStream creates a stream with the given keep-alive interval.
func NewStream(pingInterval time.Duration) *Stream {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Stream{
		events:       make(chan Event, DefaultQueueSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
}

// WriteEvent queues a named event carrying data as JSON. It never blocks.
func (s *Stream) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.events <- Event{Name: name, Data: payload}:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close ends the stream. Serve returns and later writes fail with ErrClosed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Serve writes the response headers and initial event, then relays queued
// events and keep-alive comments until ctx is cancelled, the stream is
// closed, or a write fails. The stream is always closed on return.
func (s *Stream) Serve(ctx context.Context, w http.ResponseWriter, initial *Event) error {
	defer s.Close()

	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := NewEncoder(w)
	flush := func() error {
		if err := enc.Flush(); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	if initial != nil {
		if err := enc.Encode(*initial); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case ev := <-s.events:
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		case <-ping.C:
			if err := enc.Comment("ping"); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
