package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/Retain-ap/retainai-app/internal/models"
)

func TestMockServiceRecordsSends(t *testing.T) {
	m := NewMockService()
	ctx := context.Background()

	res, err := m.SendText(ctx, "15551234567", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !res.OK() {
		t.Errorf("SendText result not OK: %+v", res)
	}
	if _, err := m.SendTemplate(ctx, "15551234567", "follow_up", "en_US", []string{"Dana"}); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}

	if len(m.TextSends) != 1 || m.TextSends[0].Body != "hello" {
		t.Errorf("TextSends = %+v", m.TextSends)
	}
	if len(m.TemplateSends) != 1 || m.TemplateSends[0].Template != "follow_up" {
		t.Errorf("TemplateSends = %+v", m.TemplateSends)
	}
}

func TestMockServiceFailuresPropagate(t *testing.T) {
	m := NewMockService()
	m.SendErr = errors.New("transport down")
	if _, err := m.SendText(context.Background(), "15551234567", "hi"); err == nil {
		t.Error("SendText ignored configured error")
	}
	m.SendErr = nil
	m.CatalogErr = errors.New("catalog down")
	if _, err := m.Templates(context.Background()); err == nil {
		t.Error("Templates ignored configured error")
	}
}

func TestMockServiceCatalogCallCounting(t *testing.T) {
	m := NewMockService()
	m.TemplateCatalog = []models.WaTemplate{{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved}}
	for i := 0; i < 3; i++ {
		if _, err := m.Templates(context.Background()); err != nil {
			t.Fatalf("Templates: %v", err)
		}
	}
	if m.CatalogCalls != 3 {
		t.Errorf("CatalogCalls = %d, want 3", m.CatalogCalls)
	}
}

func TestTwilioServiceRejectsTemplates(t *testing.T) {
	s := NewTwilioService(nil)
	if _, err := s.SendTemplate(context.Background(), "15551234567", "follow_up", "en_US", nil); !errors.Is(err, ErrTemplatesUnsupported) {
		t.Errorf("SendTemplate err = %v, want ErrTemplatesUnsupported", err)
	}
	if _, err := s.Templates(context.Background()); !errors.Is(err, ErrTemplatesUnsupported) {
		t.Errorf("Templates err = %v, want ErrTemplatesUnsupported", err)
	}
}
