// Package policy decides how an outbound WhatsApp message may be sent:
// as free text inside the 24-hour customer service window, as an
// approved template outside it, or not at all.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/store"
	"github.com/Retain-ap/retainai-app/internal/whatsapp"
)

// Delivery modes returned by Resolve.
const (
	ModeFreeText = "free_text"
	ModeTemplate = "template"
	ModeBlocked  = "blocked"
)

// Block reasons reported when Resolve returns ModeBlocked.
const (
	ReasonTemplateNotFound   = "template not found"
	ReasonNotApproved        = "not approved in any locale"
	ReasonCatalogUnavailable = "template catalog unavailable"
)

// Constants for policy resolution
const (
	// SessionWindow is the WhatsApp customer service window: free-form
	// text is only allowed within this long of the lead's last inbound
	// message.
	SessionWindow = 24 * time.Hour
	// DefaultCatalogTTL bounds how long a fetched template catalog is
	// reused before it is refreshed.
	DefaultCatalogTTL = 10 * time.Minute
)

// Resolution is the outcome of a policy decision for one outbound message.
type Resolution struct {
	Mode         string `json:"mode"`
	TemplateName string `json:"template_name,omitempty"`
	Language     string `json:"language,omitempty"`
	// Fallback reports that the resolved locale differs from the one
	// the step requested.
	Fallback bool   `json:"fallback,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Opts holds configuration options for the resolver.
type Opts struct {
	CatalogTTL time.Duration
	Now        func() time.Time
}

// Option defines a configuration option for the resolver.
type Option func(*Opts)

// WithCatalogTTL overrides the template catalog cache TTL.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.CatalogTTL = ttl }
}

// WithNow injects a clock (used by tests).
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Resolver applies the session-window and template-approval rules.
type Resolver struct {
	st   store.Store
	msgr messaging.Service

	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	catalog   []models.WaTemplate
	fetchedAt time.Time
}

// NewResolver creates a resolver backed by the given store and messaging
// service. The messaging service supplies the template catalog.
func NewResolver(st store.Store, msgr messaging.Service, opts ...Option) *Resolver {
	cfg := Opts{CatalogTTL: DefaultCatalogTTL, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{st: st, msgr: msgr, ttl: cfg.CatalogTTL, now: cfg.Now}
}

// Resolve decides the delivery mode for one outbound message to leadKey.
// templateName and lang describe the template the step wants to fall back
// to when the session window is closed.
func (r *Resolver) Resolve(ctx context.Context, owner, leadKey, templateName, lang string) (Resolution, error) {
	within, err := r.withinSessionWindow(owner, leadKey)
	if err != nil {
		return Resolution{}, fmt.Errorf("session window check: %w", err)
	}
	if within {
		return Resolution{Mode: ModeFreeText}, nil
	}

	catalog, err := r.templates(ctx)
	if err != nil {
		slog.Warn("Resolver.Resolve: template catalog fetch failed", "error", err, "owner", owner)
		return Resolution{Mode: ModeBlocked, Reason: ReasonCatalogUnavailable}, nil
	}

	return resolveTemplate(catalog, templateName, lang), nil
}

// withinSessionWindow reports whether the lead's last inbound message is
// recent enough to permit free-form text.
func (r *Resolver) withinSessionWindow(owner, leadKey string) (bool, error) {
	thread, err := r.st.GetChatThread(owner, leadKey)
	if err != nil {
		return false, err
	}
	cutoff := r.now().Add(-SessionWindow)
	// Walk backwards: threads are append-only in time order.
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].From != models.ChatFromLead {
			continue
		}
		return thread[i].Time.After(cutoff), nil
	}
	return false, nil
}

// templates returns the cached template catalog, refreshing it when the
// TTL has elapsed. A stale cache is never served past its TTL; fetch
// failures surface to the caller.
func (r *Resolver) templates(ctx context.Context) ([]models.WaTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgr == nil {
		return nil, errors.New("no messaging transport configured")
	}
	if r.catalog != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		return r.catalog, nil
	}
	catalog, err := r.msgr.Templates(ctx)
	if err != nil {
		return nil, err
	}
	r.catalog = catalog
	r.fetchedAt = r.now()
	return catalog, nil
}

// resolveTemplate picks the best approved locale variant for templateName.
// Preference order: exact requested locale, then any approved variant
// sharing the requested primary language, then any approved variant.
func resolveTemplate(catalog []models.WaTemplate, templateName, lang string) Resolution {
	if templateName == "" {
		return Resolution{Mode: ModeBlocked, Reason: ReasonTemplateNotFound}
	}
	want := whatsapp.NormalizeLang(lang)
	primary := whatsapp.PrimaryLang(want)

	var found bool
	var primaryMatch, anyMatch *models.WaTemplate
	for i := range catalog {
		t := catalog[i]
		if t.Name != templateName {
			continue
		}
		found = true
		if t.Status != models.TemplateStatusApproved {
			continue
		}
		if whatsapp.NormalizeLang(t.Language) == want {
			return Resolution{Mode: ModeTemplate, TemplateName: t.Name, Language: t.Language}
		}
		if primaryMatch == nil && whatsapp.PrimaryLang(t.Language) == primary {
			primaryMatch = &catalog[i]
		}
		if anyMatch == nil {
			anyMatch = &catalog[i]
		}
	}
	if !found {
		return Resolution{Mode: ModeBlocked, Reason: ReasonTemplateNotFound}
	}
	if primaryMatch != nil {
		return Resolution{Mode: ModeTemplate, TemplateName: primaryMatch.Name, Language: primaryMatch.Language, Fallback: true}
	}
	if anyMatch != nil {
		return Resolution{Mode: ModeTemplate, TemplateName: anyMatch.Name, Language: anyMatch.Language, Fallback: true}
	}
	return Resolution{Mode: ModeBlocked, Reason: ReasonNotApproved}
}
