// Package engine implements the automations engine: the trigger evaluator,
// the step interpreter state machine and the periodic tick that advances
// every enabled flow against every lead of its owner.
//
// Execution is resumable: the durable cursor for each (flow, lead) pair is
// a models.RunState persisted after every advance, so a multi-day sequence
// unfolds across many ticks without the engine holding anything in memory.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Retain-ap/retainai-app/internal/email"
	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/policy"
	"github.com/Retain-ap/retainai-app/internal/store"
)

// DefaultTemplateLang is the locale requested for template sends when a
// step does not name one.
const DefaultTemplateLang = "en_US"

// Drafter produces a short outbound message draft. Implemented by the
// GenAI client; optional — the engine falls back to a deterministic
// sentence when no drafter is configured.
type Drafter interface {
	Draft(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration options for the engine.
type Opts struct {
	Messaging       messaging.Service
	Email           email.Sender
	Drafter         Drafter
	DefaultTemplate string
	DefaultLang     string
	Now             func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithMessaging sets the chat channel sender.
func WithMessaging(m messaging.Service) Option {
	return func(o *Opts) { o.Messaging = m }
}

// WithEmail sets the transactional email sender.
func WithEmail(s email.Sender) Option {
	return func(o *Opts) { o.Email = s }
}

// WithDrafter sets the AI drafting collaborator.
func WithDrafter(d Drafter) Option {
	return func(o *Opts) { o.Drafter = d }
}

// WithDefaultTemplate sets the template used by send_whatsapp steps that
// carry free text but no template name of their own.
func WithDefaultTemplate(name string) Option {
	return func(o *Opts) { o.DefaultTemplate = name }
}

// WithDefaultLang sets the locale requested for template sends.
func WithDefaultLang(lang string) Option {
	return func(o *Opts) { o.DefaultLang = lang }
}

// WithNow injects a clock (used by tests).
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine runs automation flows. All sends go through the policy resolver;
// the engine never talks to a transport without a Resolution in hand.
type Engine struct {
	st       store.Store
	resolver *policy.Resolver

	msgr            messaging.Service
	emailer         email.Sender
	drafter         Drafter
	defaultTemplate string
	defaultLang     string
	now             func() time.Time

	// tickMu guarantees at most one tick runs at a time; an overlapping
	// invocation is skipped, not queued.
	tickMu sync.Mutex

	// pairMu serializes execution per (owner, flow, lead) pair so a
	// parallelized caller can never advance the same cursor twice.
	mu     sync.Mutex
	pairMu map[string]*sync.Mutex
}

// NewEngine creates an automations engine. The default template name falls
// back to the WHATSAPP_TEMPLATE_DEFAULT environment variable.
func NewEngine(st store.Store, resolver *policy.Resolver, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now, DefaultLang: DefaultTemplateLang}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = os.Getenv("WHATSAPP_TEMPLATE_DEFAULT")
	}
	return &Engine{
		st:              st,
		resolver:        resolver,
		msgr:            cfg.Messaging,
		emailer:         cfg.Email,
		drafter:         cfg.Drafter,
		defaultTemplate: cfg.DefaultTemplate,
		defaultLang:     cfg.DefaultLang,
		now:             cfg.Now,
		pairMu:          make(map[string]*sync.Mutex),
	}
}

// Tick advances every enabled flow for every owner. A tick that starts
// while the previous one is still running returns immediately. Errors on
// a single (flow, lead) pair are isolated: the pair is logged and left
// for the next tick, and iteration continues.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		slog.Warn("Engine.Tick: previous tick still running, skipping")
		return nil
	}
	defer e.tickMu.Unlock()

	owners, err := e.st.ListFlowOwners()
	if err != nil {
		return fmt.Errorf("list flow owners: %w", err)
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.tickOwner(ctx, owner)
	}
	return nil
}

func (e *Engine) tickOwner(ctx context.Context, owner string) {
	flows, err := e.st.GetFlows(owner)
	if err != nil {
		slog.Error("Engine.tickOwner: failed to load flows", "error", err, "owner", owner)
		return
	}
	leads, err := e.st.GetLeads(owner)
	if err != nil {
		slog.Error("Engine.tickOwner: failed to load leads", "error", err, "owner", owner)
		return
	}
	profile, err := e.st.GetProfile(owner)
	if err != nil {
		slog.Error("Engine.tickOwner: failed to load profile", "error", err, "owner", owner)
		return
	}

	for fi := range flows {
		flow := &flows[fi]
		if !flow.Enabled {
			continue
		}
		for li := range leads {
			if ctx.Err() != nil {
				return
			}
			e.runPair(ctx, owner, flow, &leads[li], leads, profile)
		}
	}
}

// runPair advances one (flow, lead) pair, executing as many steps as can
// progress within this tick. A panic in step execution is confined to the
// pair.
func (e *Engine) runPair(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, allLeads []models.Lead, profile *models.Profile) {
	leadKey := lead.Key()
	if leadKey == "" {
		return
	}
	unlock := e.lockPair(owner, flow.ID, leadKey)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.runPair: step execution panicked", "panic", r, "owner", owner, "flow_id", flow.ID, "lead_key", leadKey)
		}
	}()

	now := e.now()
	rs, err := e.st.GetRunState(owner, flow.ID, leadKey)
	if err != nil {
		slog.Error("Engine.runPair: failed to load run state", "error", err, "owner", owner, "flow_id", flow.ID)
		return
	}
	if rs != nil && rs.Done {
		return
	}

	// At step zero the trigger decides whether this pair runs at all. A
	// persisted zero-state whose trigger no longer holds is a leak; drop it.
	if rs == nil || rs.Step == 0 {
		if !EvaluateTrigger(flow.Trigger, lead, now) {
			if rs != nil {
				if err := e.st.DeleteRunState(owner, flow.ID, leadKey); err != nil {
					slog.Error("Engine.runPair: failed to delete stray run state", "error", err, "owner", owner, "flow_id", flow.ID)
				}
			}
			return
		}
		if rs == nil {
			rs = &models.RunState{
				FlowID:     flow.ID,
				LeadKey:    leadKey,
				CreatedAt:  now,
				LastStepAt: now,
			}
		}
	}

	for !rs.Done {
		if flow.AutoStopOnReply && lead.LastInboundAt != nil && lead.LastInboundAt.After(rs.CreatedAt) {
			rs.Done = true
			break
		}
		if rs.Step >= len(flow.Steps) {
			rs.Done = true
			break
		}

		out, err := e.executeStep(ctx, owner, flow, lead, allLeads, profile, rs, flow.Steps[rs.Step], models.TestOverrides{})
		if err != nil {
			slog.Error("Engine.runPair: step failed", "error", err, "owner", owner, "flow_id", flow.ID, "lead_key", leadKey, "step", rs.Step)
			break
		}
		if !out.progressed {
			break
		}
		rs.Step++
		rs.LastStepAt = e.now()
	}

	if err := e.st.SaveRunState(owner, *rs); err != nil {
		slog.Error("Engine.runPair: failed to save run state", "error", err, "owner", owner, "flow_id", flow.ID, "lead_key", leadKey)
	}
}

// lockPair acquires the per-pair mutex and returns its unlock func.
func (e *Engine) lockPair(owner, flowID, leadKey string) func() {
	key := owner + "|" + flowID + "|" + leadKey
	e.mu.Lock()
	m, ok := e.pairMu[key]
	if !ok {
		m = &sync.Mutex{}
		e.pairMu[key] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// outcome is the result of executing one step.
type outcome struct {
	// progressed reports whether the cursor may advance. A false value
	// means "retry next tick": waits that have not elapsed, quiet hours,
	// rate caps.
	progressed bool
	status     string
	info       string
}

func retryLater(info string) outcome {
	return outcome{progressed: false, status: models.StepStatusSkipped, info: info}
}

func progressed(status, info string) outcome {
	return outcome{progressed: true, status: status, info: info}
}

// executeStep runs one step. Configuration gaps (missing profile values,
// unapproved templates) progress with a notification rather than stalling
// the flow; only time-based gates return not-progressed.
func (e *Engine) executeStep(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, allLeads []models.Lead, profile *models.Profile, rs *models.RunState, step models.Step, ov models.TestOverrides) (outcome, error) {
	now := e.now()

	switch step.Type {
	case models.StepWait:
		if ov.IgnoreWaits {
			return progressed(models.StepStatusOK, "wait skipped by override"), nil
		}
		if now.Sub(rs.LastStepAt) >= step.WaitDuration() {
			return progressed(models.StepStatusOK, "wait elapsed"), nil
		}
		return retryLater("waiting"), nil

	case models.StepIfNoReply:
		if !noReplyWithin(lead, step.WithinDays, now) {
			return progressed(models.StepStatusSkipped, "lead replied, branch skipped"), nil
		}
		e.runBranch(ctx, owner, flow, lead, allLeads, profile, rs, step.Then)
		return progressed(models.StepStatusOK, "branch executed"), nil

	case models.StepIfNoBooking:
		if hasBookingWithin(lead, step.WithinDays, now) {
			return progressed(models.StepStatusSkipped, "lead booked, branch skipped"), nil
		}
		e.runBranch(ctx, owner, flow, lead, allLeads, profile, rs, step.Then)
		return progressed(models.StepStatusOK, "branch executed"), nil

	case models.StepAIDraft:
		return e.execAIDraft(ctx, owner, lead, profile, rs)

	case models.StepSendWhatsApp:
		return e.execSendWhatsApp(ctx, owner, flow, lead, profile, rs, step, ov)

	case models.StepSendEmail:
		return e.execSendEmail(ctx, owner, flow, lead, profile, rs, step, ov)

	case models.StepPushOwner:
		title := RenderText(step.Title, profile, lead, rs)
		body := RenderText(step.Message, profile, lead, rs)
		if err := e.notifyOwner(owner, title, body); err != nil {
			return outcome{}, fmt.Errorf("push_owner: %w", err)
		}
		return progressed(models.StepStatusOK, "owner notified"), nil

	case models.StepAddTag:
		if !lead.AddTag(step.Tag) {
			return progressed(models.StepStatusOK, "tag already present"), nil
		}
		if err := e.saveLead(owner, lead, allLeads); err != nil {
			return outcome{}, fmt.Errorf("add_tag: %w", err)
		}
		return progressed(models.StepStatusOK, "tag added: "+step.Tag), nil

	default:
		// Malformed step type persisted before validation existed: skip
		// it rather than wedge the flow.
		slog.Warn("Engine.executeStep: unknown step type", "type", step.Type, "flow_id", flow.ID)
		return progressed(models.StepStatusError, "unknown step type"), nil
	}
}

// runBranch executes a branch's nested steps inline within the current
// tick. Nested steps have no cursor of their own: waits are collapsed to
// immediate and a gated send is dropped, not retried.
func (e *Engine) runBranch(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, allLeads []models.Lead, profile *models.Profile, rs *models.RunState, nested []models.Step) {
	ov := models.TestOverrides{IgnoreWaits: true}
	for _, step := range nested {
		if _, err := e.executeStep(ctx, owner, flow, lead, allLeads, profile, rs, step, ov); err != nil {
			slog.Error("Engine.runBranch: nested step failed", "error", err, "owner", owner, "flow_id", flow.ID, "type", step.Type)
		}
	}
}

func (e *Engine) execAIDraft(ctx context.Context, owner string, lead *models.Lead, profile *models.Profile, rs *models.RunState) (outcome, error) {
	text := ""
	if e.drafter != nil {
		system := "You draft short, friendly follow-up messages for a small business. " +
			"One or two sentences, no sign-off, no emojis unless the context begs for one."
		user := fmt.Sprintf("Business: %s. Lead name: %s. Write a brief check-in nudging them to book a time.",
			profileBusinessName(profile), lead.FirstName())
		draft, err := e.drafter.Draft(ctx, system, user)
		if err != nil {
			slog.Warn("Engine.execAIDraft: drafter failed, using fallback", "error", err, "owner", owner)
		} else {
			text = draft
		}
	}
	if text == "" {
		// Deterministic fallback so automation never produces empty text.
		text = RenderText("Hi {{first_name}}, just checking in from {{business_name}}. You can grab a time here: {{booking_link}}", profile, lead, rs)
	}
	rs.SetMemo(models.MemoLastAIText, text)
	return progressed(models.StepStatusOK, "draft stored"), nil
}

func (e *Engine) execSendWhatsApp(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, profile *models.Profile, rs *models.RunState, step models.Step, ov models.TestOverrides) (outcome, error) {
	if lead.WaOptOut {
		return progressed(models.StepStatusSkipped, "lead opted out"), nil
	}
	to := lead.WhatsApp
	if to == "" {
		to = lead.Phone
	}
	if to == "" {
		return progressed(models.StepStatusSkipped, "lead has no phone"), nil
	}

	if gate := e.sendGate(flow, profile, rs, messaging.ChannelWhatsApp, ov); gate != "" {
		return retryLater(gate), nil
	}

	text := step.Text
	if text == "" {
		text = "{{last_ai_text}}"
	}
	rendered := RenderText(text, profile, lead, rs)
	if RenderBlocked(rendered) {
		e.notifySetupNeeded(owner, "WhatsApp message blocked: profile is missing a value the message needs.")
		return progressed(models.StepStatusSkipped, "blocked by missing setup"), nil
	}

	templateName := step.TemplateName
	if templateName == "" {
		templateName = e.defaultTemplate
	}
	lang := step.TemplateLang
	if lang == "" {
		lang = e.defaultLang
	}

	res, err := e.resolver.Resolve(ctx, owner, lead.Key(), templateName, lang)
	if err != nil {
		return outcome{}, fmt.Errorf("resolve policy: %w", err)
	}

	switch res.Mode {
	case policy.ModeBlocked:
		e.notifyOwner(owner, "WhatsApp template unavailable",
			fmt.Sprintf("Automated message to %s could not be sent: %s. Consider calling the lead directly.", leadDisplay(lead), res.Reason))
		return progressed(models.StepStatusSkipped, "blocked: "+res.Reason), nil

	case policy.ModeFreeText:
		if e.msgr == nil {
			return progressed(models.StepStatusSkipped, "no messaging transport configured"), nil
		}
		result, err := e.msgr.SendText(ctx, to, rendered)
		return e.finishWhatsAppSend(owner, lead, rs, rendered, "free text", result, err)

	default: // policy.ModeTemplate
		if e.msgr == nil {
			return progressed(models.StepStatusSkipped, "no messaging transport configured"), nil
		}
		params := make([]string, len(step.TemplateParams))
		for i, p := range step.TemplateParams {
			params[i] = RenderText(p, profile, lead, rs)
		}
		result, err := e.msgr.SendTemplate(ctx, to, res.TemplateName, res.Language, params)
		info := fmt.Sprintf("template %s (%s)", res.TemplateName, res.Language)
		if res.Fallback {
			info += " via locale fallback"
			slog.Info("Engine.execSendWhatsApp: template locale fell back", "owner", owner, "template", res.TemplateName, "language", res.Language)
		}
		body := rendered
		if step.Text == "" && body == "" {
			body = "[template] " + res.TemplateName
		}
		return e.finishWhatsAppSend(owner, lead, rs, body, info, result, err)
	}
}

// finishWhatsAppSend records the attempt. Transport failures progress:
// retrying the identical send forever helps nobody, so the owner is
// notified and the flow moves on.
func (e *Engine) finishWhatsAppSend(owner string, lead *models.Lead, rs *models.RunState, body, info string, result messaging.SendResult, err error) (outcome, error) {
	if err != nil || !result.OK() {
		slog.Error("Engine.finishWhatsAppSend: send failed", "error", err, "status", result.StatusCode, "owner", owner, "lead_key", lead.Key())
		e.notifyOwner(owner, "WhatsApp send failed",
			fmt.Sprintf("Automated message to %s failed to deliver.", leadDisplay(lead)))
		return progressed(models.StepStatusError, "send failed: "+info), nil
	}
	now := e.now()
	rs.MarkSent(messaging.ChannelWhatsApp, now)
	if err := e.st.AppendChatMessage(owner, lead.Key(), models.ChatMessage{
		From: models.ChatFromUser,
		Text: body,
		Time: now,
	}); err != nil {
		slog.Error("Engine.finishWhatsAppSend: failed to append chat message", "error", err, "owner", owner, "lead_key", lead.Key())
	}
	return progressed(models.StepStatusOK, "sent: "+info), nil
}

func (e *Engine) execSendEmail(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, profile *models.Profile, rs *models.RunState, step models.Step, ov models.TestOverrides) (outcome, error) {
	if lead.Email == "" {
		return progressed(models.StepStatusSkipped, "lead has no email"), nil
	}
	if gate := e.sendGate(flow, profile, rs, messaging.ChannelEmail, ov); gate != "" {
		return retryLater(gate), nil
	}

	subject := RenderText(step.Subject, profile, lead, rs)
	body := step.HTML
	if body == "" {
		body = step.Body
	}
	rendered := RenderText(body, profile, lead, rs)
	if RenderBlocked(subject) || RenderBlocked(rendered) {
		e.notifySetupNeeded(owner, "Email blocked: profile is missing a value the message needs.")
		return progressed(models.StepStatusSkipped, "blocked by missing setup"), nil
	}

	if e.emailer == nil {
		return progressed(models.StepStatusSkipped, "no email sender configured"), nil
	}
	if err := e.emailer.Send(ctx, lead.Email, subject, rendered, profileBusinessName(profile)); err != nil {
		slog.Error("Engine.execSendEmail: send failed", "error", err, "owner", owner, "to", lead.Email)
		e.notifyOwner(owner, "Email send failed",
			fmt.Sprintf("Automated email to %s failed to deliver.", leadDisplay(lead)))
		return progressed(models.StepStatusError, "email send failed"), nil
	}
	rs.MarkSent(messaging.ChannelEmail, e.now())
	return progressed(models.StepStatusOK, "email sent"), nil
}

// sendGate applies quiet hours and the per-lead rate cap for one channel.
// It returns a reason when the send must be deferred to a later tick.
func (e *Engine) sendGate(flow *models.Flow, profile *models.Profile, rs *models.RunState, channel string, ov models.TestOverrides) string {
	now := e.now()
	if flow.Caps.RespectQuietHours && !ov.IgnoreQuietHours && profile != nil && profile.InQuietHours(now) {
		return "deferred by quiet hours"
	}
	if !ov.BypassRateLimits {
		if interval := RateInterval(flow.Caps.PerLeadPerDay); interval > 0 && !rs.CanSend(channel, interval, now) {
			return "deferred by rate cap"
		}
	}
	return ""
}

// RateInterval converts a per-lead-per-day cap into the minimum interval
// between sends on one channel. A cap of zero or less means no cap.
func RateInterval(perLeadPerDay int) time.Duration {
	if perLeadPerDay <= 0 {
		return 0
	}
	if perLeadPerDay == 1 {
		return 24 * time.Hour
	}
	return 24 * time.Hour / time.Duration(perLeadPerDay)
}

func (e *Engine) notifySetupNeeded(owner, body string) {
	e.notifyOwner(owner, "Setup needed", body)
}

func (e *Engine) notifyOwner(owner, title, body string) error {
	err := e.st.AddNotification(models.Notification{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     title,
		Body:      body,
		CreatedAt: e.now(),
	})
	if err != nil {
		slog.Error("Engine.notifyOwner: failed to add notification", "error", err, "owner", owner, "title", title)
	}
	return err
}

// saveLead writes the (already mutated) lead back into the owner's lead
// collection.
func (e *Engine) saveLead(owner string, lead *models.Lead, allLeads []models.Lead) error {
	key := lead.Key()
	for i := range allLeads {
		if allLeads[i].Key() == key {
			allLeads[i] = *lead
			return e.st.SaveLeads(owner, allLeads)
		}
	}
	return e.st.SaveLeads(owner, append(allLeads, *lead))
}

func profileBusinessName(profile *models.Profile) string {
	if profile == nil || profile.BusinessName == "" {
		return "our team"
	}
	return profile.BusinessName
}

func leadDisplay(lead *models.Lead) string {
	if lead.Name != "" {
		return lead.Name
	}
	if lead.Email != "" {
		return lead.Email
	}
	if lead.Phone != "" {
		return lead.Phone
	}
	return strings.TrimSpace(lead.Key())
}
