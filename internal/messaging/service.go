// Package messaging defines the pluggable chat-channel abstraction used by
// the automations engine, plus adapters for the WhatsApp Cloud API and the
// Twilio WhatsApp transport.
package messaging

import (
	"context"
	"errors"

	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/whatsapp"
)

// Channel names recorded in RunState.LastSent.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// ErrTemplatesUnsupported is returned by transports that cannot send
// pre-approved templates or list a template catalog.
var ErrTemplatesUnsupported = errors.New("transport does not support message templates")

// SendResult carries the channel's raw response for a send attempt.
type SendResult struct {
	StatusCode int
	Body       string
}

// OK reports whether the send was accepted by the channel.
func (r SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Service is the chat delivery abstraction consumed by the engine. The
// engine never talks to a transport directly; it resolves the messaging
// policy first and then calls exactly one of these.
type Service interface {
	// SendText sends a free-form message (session window only).
	SendText(ctx context.Context, to, body string) (SendResult, error)

	// SendTemplate sends a pre-approved template in the given locale.
	SendTemplate(ctx context.Context, to, name, lang string, params []string) (SendResult, error)

	// Templates lists the locale variants registered for the sending account.
	Templates(ctx context.Context) ([]models.WaTemplate, error)
}

// WhatsAppService implements Service using the Graph API client.
type WhatsAppService struct {
	client *whatsapp.Client
}

// NewWhatsAppService creates a Service backed by the WhatsApp Cloud API.
func NewWhatsAppService(client *whatsapp.Client) *WhatsAppService {
	return &WhatsAppService{client: client}
}

func (s *WhatsAppService) SendText(ctx context.Context, to, body string) (SendResult, error) {
	res, err := s.client.SendText(ctx, to, body)
	return SendResult(res), err
}

func (s *WhatsAppService) SendTemplate(ctx context.Context, to, name, lang string, params []string) (SendResult, error) {
	res, err := s.client.SendTemplate(ctx, to, name, lang, params)
	return SendResult(res), err
}

func (s *WhatsAppService) Templates(ctx context.Context) ([]models.WaTemplate, error) {
	return s.client.ListTemplates(ctx)
}
