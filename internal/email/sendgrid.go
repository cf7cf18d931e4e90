// Package email provides the transactional email sender used by
// send_email automation steps.
//
// The production implementation talks to the SendGrid v3 Mail Send API
// directly over HTTP.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Constants for SendGrid sender configuration
const (
	// DefaultBaseURL is the SendGrid v3 API root.
	DefaultBaseURL = "https://api.sendgrid.com/v3"
	// DefaultRequestTimeout bounds every mail send call.
	DefaultRequestTimeout = 30 * time.Second
)

// Sender is the email delivery abstraction consumed by the engine.
type Sender interface {
	// Send delivers one HTML email. fromName is the display name shown to
	// the recipient; the from address is fixed per sender.
	Send(ctx context.Context, to, subject, html, fromName string) error
}

// Opts holds configuration options for the SendGrid sender.
type Opts struct {
	APIKey     string
	FromEmail  string
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a configuration option for the SendGrid sender.
type Option func(*Opts)

// WithAPIKey sets the SendGrid API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithFromEmail sets the sending address.
func WithFromEmail(from string) Option {
	return func(o *Opts) { o.FromEmail = from }
}

// WithBaseURL overrides the API root (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// SendGridSender sends emails via the SendGrid v3 Mail Send API.
type SendGridSender struct {
	apiKey    string
	fromEmail string
	baseURL   string
	client    *http.Client
}

// NewSendGridSender creates a SendGrid sender. The API key and from
// address fall back to SENDGRID_API_KEY and SENDGRID_FROM_EMAIL.
func NewSendGridSender(opts ...Option) (*SendGridSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("SENDGRID_API_KEY")
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = os.Getenv("SENDGRID_FROM_EMAIL")
	}
	slog.Debug("SendGrid sender config loaded", "api_key_set", cfg.APIKey != "", "from_set", cfg.FromEmail != "")

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("SendGrid from address not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	return &SendGridSender{
		apiKey:    cfg.APIKey,
		fromEmail: cfg.FromEmail,
		baseURL:   cfg.BaseURL,
		client:    cfg.HTTPClient,
	}, nil
}

// Send delivers a single email through SendGrid.
func (s *SendGridSender) Send(ctx context.Context, to, subject, html, fromName string) error {
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": s.fromEmail, "name": fromName},
		"subject": subject,
		"content": []map[string]string{{"type": "text/html", "value": html}},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("SendGrid send rejected", "status", resp.StatusCode, "body", string(body), "to", to)
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	slog.Debug("SendGrid send accepted", "status", resp.StatusCode, "to", to)
	return nil
}
