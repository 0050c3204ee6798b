package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds the SMS credentials. BaseURL is only set in tests.
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	MessagingSID string
	ToPhone      string
	BaseURL      string
}

// Twilio sends an SMS through a Twilio messaging service.
type Twilio struct {
	http *resty.Client
	cfg  TwilioConfig
}

var _ Notifier = (*Twilio)(nil)

// NewTwilio creates an SMS notifier.
func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	return &Twilio{
		http: resty.New().
			SetTimeout(10*time.Second).
			SetBaseURL(cfg.BaseURL).
			SetBasicAuth(cfg.AccountSID, cfg.AuthToken),
		cfg: cfg,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Configured() bool {
	return t.cfg.AccountSID != "" && t.cfg.AuthToken != "" && t.cfg.MessagingSID != "" && t.cfg.ToPhone != ""
}

type twilioMessage struct {
	SID string `json:"sid"`
}

func (t *Twilio) Send(ctx context.Context, message string) error {
	if !t.Configured() {
		return ErrNotConfigured
	}

	var result twilioMessage
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":                  t.cfg.ToPhone,
			"MessagingServiceSid": t.cfg.MessagingSID,
			"Body":                message,
		}).
		SetResult(&result).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", t.cfg.AccountSID))
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("twilio error (status %d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}
