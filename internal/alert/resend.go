package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// ResendConfig configures the outbound email API client.
type ResendConfig struct {
	// BaseURL of the email API; defaults to the hosted endpoint.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ResendNotifier delivers messages through the Resend HTTP API.
type ResendNotifier struct {
	http *resty.Client
}

// NewResendNotifier builds a notifier scoped to one run.
func NewResendNotifier(cfg ResendConfig) (*ResendNotifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("notify api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &ResendNotifier{http: rc}, nil
}

type resendPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send implements harvest.Notifier.
func (n *ResendNotifier) Send(ctx context.Context, msg harvest.Message) error {
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(resendPayload{
			From:    msg.From,
			To:      msg.To,
			Subject: msg.Subject,
			HTML:    msg.HTML,
		}).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("send notification to %s: %w", msg.To, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send notification to %s: status %d", msg.To, resp.StatusCode())
	}
	return nil
}
