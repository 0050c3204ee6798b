package backchannel

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string // last event id seen on the stream
	Name string // "message" when the server sent no event field
	Data string
}

// Decode unmarshals the event data as JSON.
func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// Parser reads events from a text/event-stream body.
type Parser struct {
	r      *bufio.Reader
	lastID string
}

// NewParser returns a parser reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next returns the next event. Comment lines are skipped, a blank line
// dispatches the fields gathered so far, and an event cut off by the end of
// the stream is discarded. At the end of the stream Next returns io.EOF.
func (p *Parser) Next() (Event, error) {
	var (
		name string
		data []string
	)
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if data == nil {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{ID: p.lastID, Name: name, Data: strings.Join(data, "\n")}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				p.lastID = value
			}
		}
	}
}
