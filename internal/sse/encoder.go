// Package sse frames server-sent events and implements the push transport
// used by stream handlers.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event. An empty Name means the default
// "message" event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Encoder writes events in text/event-stream framing.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w. Call Flush after each frame
// batch that should reach the client.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes ev followed by the blank line that dispatches it. Data
// containing newlines is split over several data lines.
func (e *Encoder) Encode(ev Event) error {
	if ev.ID != "" {
		e.field("id", ev.ID)
	}
	if ev.Name != "" {
		e.field("event", ev.Name)
	}
	data := strings.ReplaceAll(string(ev.Data), "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		e.field("data", line)
	}
	return e.w.WriteByte('\n')
}

// Comment writes a comment frame. Clients ignore it; proxies see traffic.
func (e *Encoder) Comment(text string) error {
	e.w.WriteString(": ")
	e.w.WriteString(sanitize(text))
	_, err := e.w.WriteString("\n\n")
	return err
}

// Flush pushes buffered frames to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func (e *Encoder) field(name, value string) {
	e.w.WriteString(name)
	e.w.WriteString(": ")
	e.w.WriteString(sanitize(value))
	e.w.WriteByte('\n')
}

// sanitize keeps a single-line value from breaking the frame.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}
