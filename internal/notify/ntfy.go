package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultNtfyServer is the public ntfy instance.
const DefaultNtfyServer = "https://ntfy.sh"

// Ntfy publishes to an ntfy topic.
type Ntfy struct {
	http   *resty.Client
	server string
	topic  string
}

var _ Notifier = (*Ntfy)(nil)

// NewNtfy creates a notifier for topic on server. An empty topic leaves it
// unconfigured.
func NewNtfy(server, topic string) *Ntfy {
	if server == "" {
		server = DefaultNtfyServer
	}
	return &Ntfy{
		http:   resty.New().SetTimeout(10 * time.Second),
		server: strings.TrimRight(server, "/"),
		topic:  topic,
	}
}

func (n *Ntfy) Name() string     { return "ntfy" }
func (n *Ntfy) Configured() bool { return n.topic != "" }

func (n *Ntfy) Send(ctx context.Context, message string) error {
	if !n.Configured() {
		return ErrNotConfigured
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Title", "New visitor message").
		SetHeader("Priority", "default").
		SetHeader("Tags", "speech_balloon").
		SetBody(message).
		Post(n.server + "/" + n.topic)
	if err != nil {
		return fmt.Errorf("ntfy request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ntfy error (status %d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}
