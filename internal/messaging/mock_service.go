package messaging

import (
	"context"
	"sync"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// MockService implements Service for tests, recording every send.
type MockService struct {
	mu sync.Mutex

	// TemplateCatalog is returned from Templates.
	TemplateCatalog []models.WaTemplate
	// CatalogErr, when set, is returned from Templates instead.
	CatalogErr error
	// SendStatus is the status code reported for every send; defaults to 200.
	SendStatus int
	// SendErr, when set, is returned from both send methods.
	SendErr error

	TextSends     []MockSend
	TemplateSends []MockSend
	// CatalogCalls counts Templates invocations.
	CatalogCalls int
}

// MockSend records one send call.
type MockSend struct {
	To       string
	Body     string
	Template string
	Language string
	Params   []string
}

// NewMockService creates an empty mock messaging service.
func NewMockService() *MockService {
	return &MockService{}
}

func (m *MockService) SendText(ctx context.Context, to, body string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return SendResult{}, m.SendErr
	}
	m.TextSends = append(m.TextSends, MockSend{To: to, Body: body})
	return SendResult{StatusCode: m.status()}, nil
}

func (m *MockService) SendTemplate(ctx context.Context, to, name, lang string, params []string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return SendResult{}, m.SendErr
	}
	m.TemplateSends = append(m.TemplateSends, MockSend{To: to, Template: name, Language: lang, Params: params})
	return SendResult{StatusCode: m.status()}, nil
}

func (m *MockService) Templates(ctx context.Context) ([]models.WaTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CatalogCalls++
	if m.CatalogErr != nil {
		return nil, m.CatalogErr
	}
	out := make([]models.WaTemplate, len(m.TemplateCatalog))
	copy(out, m.TemplateCatalog)
	return out, nil
}

// SendCount returns the total number of sends recorded.
func (m *MockService) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TextSends) + len(m.TemplateSends)
}

func (m *MockService) status() int {
	if m.SendStatus == 0 {
		return 200
	}
	return m.SendStatus
}
