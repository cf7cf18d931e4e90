package messaging

import (
	"context"
	"net/http"

	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/twiliowhatsapp"
)

// TwilioService implements Service on top of the Twilio WhatsApp transport.
// Twilio carries free text only: template sends and the catalog report
// ErrTemplatesUnsupported, which the policy resolver surfaces as a blocked
// resolution outside the session window.
type TwilioService struct {
	client *twiliowhatsapp.Client
}

// NewTwilioService creates a Service backed by Twilio.
func NewTwilioService(client *twiliowhatsapp.Client) *TwilioService {
	return &TwilioService{client: client}
}

func (s *TwilioService) SendText(ctx context.Context, to, body string) (SendResult, error) {
	if err := s.client.SendText(ctx, to, body); err != nil {
		return SendResult{}, err
	}
	return SendResult{StatusCode: http.StatusOK}, nil
}

func (s *TwilioService) SendTemplate(ctx context.Context, to, name, lang string, params []string) (SendResult, error) {
	return SendResult{}, ErrTemplatesUnsupported
}

func (s *TwilioService) Templates(ctx context.Context) ([]models.WaTemplate, error) {
	return nil, ErrTemplatesUnsupported
}
