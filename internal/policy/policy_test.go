package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/store"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestResolver(t *testing.T, st store.Store, msgr messaging.Service) *Resolver {
	t.Helper()
	return NewResolver(st, msgr, WithNow(fixedNow))
}

func TestResolveFreeTextWithinSessionWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.AppendChatMessage("owner@x.com", "lead@x.com", models.ChatMessage{
		From: models.ChatFromLead,
		Text: "still interested",
		Time: fixedNow().Add(-23 * time.Hour),
	}); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	r := newTestResolver(t, st, &messaging.MockService{})
	res, err := r.Resolve(context.Background(), "owner@x.com", "lead@x.com", "follow_up", "en_US")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeFreeText {
		t.Errorf("Mode = %q, want %q", res.Mode, ModeFreeText)
	}
}

func TestResolveOutboundOnlyThreadDoesNotOpenWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.AppendChatMessage("owner@x.com", "lead@x.com", models.ChatMessage{
		From: models.ChatFromUser,
		Text: "hello from us",
		Time: fixedNow().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	msgr := &messaging.MockService{TemplateCatalog: []models.WaTemplate{
		{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
	}}
	r := newTestResolver(t, st, msgr)
	res, err := r.Resolve(context.Background(), "owner@x.com", "lead@x.com", "follow_up", "en_US")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeTemplate {
		t.Errorf("Mode = %q, want %q", res.Mode, ModeTemplate)
	}
}

func TestResolveExpiredWindowFallsBackToTemplate(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.AppendChatMessage("owner@x.com", "lead@x.com", models.ChatMessage{
		From: models.ChatFromLead,
		Text: "old message",
		Time: fixedNow().Add(-25 * time.Hour),
	}); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	msgr := &messaging.MockService{TemplateCatalog: []models.WaTemplate{
		{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
	}}
	r := newTestResolver(t, st, msgr)
	res, err := r.Resolve(context.Background(), "owner@x.com", "lead@x.com", "follow_up", "en_US")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeTemplate || res.TemplateName != "follow_up" || res.Language != "en_US" {
		t.Errorf("Resolution = %+v, want approved en_US template", res)
	}
	if res.Fallback {
		t.Error("Fallback = true for exact locale match")
	}
}

func TestResolveLocaleFallbackOrder(t *testing.T) {
	tests := []struct {
		name         string
		catalog      []models.WaTemplate
		requestLang  string
		wantMode     string
		wantLanguage string
		wantFallback bool
		wantReason   string
	}{
		{
			name: "exact locale preferred over primary",
			catalog: []models.WaTemplate{
				{Name: "follow_up", Language: "en", Status: models.TemplateStatusApproved},
				{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
			},
			requestLang:  "en-us",
			wantMode:     ModeTemplate,
			wantLanguage: "en_US",
		},
		{
			name: "primary language fallback",
			catalog: []models.WaTemplate{
				{Name: "follow_up", Language: "en_GB", Status: models.TemplateStatusApproved},
			},
			requestLang:  "en_US",
			wantMode:     ModeTemplate,
			wantLanguage: "en_GB",
			wantFallback: true,
		},
		{
			name: "any approved locale fallback",
			catalog: []models.WaTemplate{
				{Name: "follow_up", Language: "pt_BR", Status: models.TemplateStatusApproved},
			},
			requestLang:  "en_US",
			wantMode:     ModeTemplate,
			wantLanguage: "pt_BR",
			wantFallback: true,
		},
		{
			name: "pending variants do not count",
			catalog: []models.WaTemplate{
				{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusPending},
				{Name: "follow_up", Language: "pt_BR", Status: models.TemplateStatusRejected},
			},
			requestLang: "en_US",
			wantMode:    ModeBlocked,
			wantReason:  ReasonNotApproved,
		},
		{
			name: "unknown template name",
			catalog: []models.WaTemplate{
				{Name: "other", Language: "en_US", Status: models.TemplateStatusApproved},
			},
			requestLang: "en_US",
			wantMode:    ModeBlocked,
			wantReason:  ReasonTemplateNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolveTemplate(tt.catalog, "follow_up", tt.requestLang)
			if res.Mode != tt.wantMode {
				t.Fatalf("Mode = %q, want %q", res.Mode, tt.wantMode)
			}
			if res.Language != tt.wantLanguage {
				t.Errorf("Language = %q, want %q", res.Language, tt.wantLanguage)
			}
			if res.Fallback != tt.wantFallback {
				t.Errorf("Fallback = %v, want %v", res.Fallback, tt.wantFallback)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.wantReason)
			}
		})
	}
}

func TestResolveCatalogUnavailable(t *testing.T) {
	st := store.NewInMemoryStore()
	msgr := &messaging.MockService{CatalogErr: errors.New("graph api down")}
	r := newTestResolver(t, st, msgr)

	res, err := r.Resolve(context.Background(), "owner@x.com", "lead@x.com", "follow_up", "en_US")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeBlocked || res.Reason != ReasonCatalogUnavailable {
		t.Errorf("Resolution = %+v, want blocked catalog unavailable", res)
	}
}

func TestTemplatesCacheTTL(t *testing.T) {
	st := store.NewInMemoryStore()
	msgr := &messaging.MockService{TemplateCatalog: []models.WaTemplate{
		{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
	}}

	now := fixedNow()
	r := NewResolver(st, msgr, WithNow(func() time.Time { return now }), WithCatalogTTL(time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, "owner@x.com", "lead@x.com", "follow_up", "en_US"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := msgr.CatalogCalls; got != 1 {
		t.Fatalf("catalog fetches = %d, want 1 while cache fresh", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.Resolve(ctx, "owner@x.com", "lead@x.com", "follow_up", "en_US"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := msgr.CatalogCalls; got != 2 {
		t.Errorf("catalog fetches = %d, want 2 after TTL expiry", got)
	}
}
