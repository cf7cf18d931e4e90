package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/policy"
)

// Errors returned by the test harness.
var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrLeadNotFound = errors.New("lead not found")
)

// RunTest executes the flow test harness. Dry-run resolves every step
// against the owner's profile and the lead without sending or mutating
// anything; execute runs the real step interpreter immediately with the
// caller's overrides. Opt-out and the messaging policy resolver are always
// honored, in both modes.
func (e *Engine) RunTest(ctx context.Context, owner string, req models.FlowTestRequest) (*models.FlowTestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	flow := req.Flow
	if flow == nil {
		stored, err := e.st.GetFlow(owner, req.FlowID)
		if err != nil {
			return nil, fmt.Errorf("load flow: %w", err)
		}
		if stored == nil {
			return nil, ErrFlowNotFound
		}
		flow = stored
	}

	lead := req.Lead
	if lead == nil {
		found, err := e.findLead(owner, req.LeadKey)
		if err != nil {
			return nil, err
		}
		lead = found
	}

	profile, err := e.st.GetProfile(owner)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	result := &models.FlowTestResult{
		Mode:    req.Mode,
		FlowID:  flow.ID,
		LeadKey: lead.Key(),
	}

	if req.Mode == models.FlowTestModeDryRun {
		result.Steps = e.dryRunSteps(ctx, owner, flow, lead, profile)
		return result, nil
	}

	// Execute-now runs against an ephemeral cursor: real sends, real
	// notifications, real tag writes, but no persisted run state.
	now := e.now()
	rs := &models.RunState{FlowID: flow.ID, LeadKey: lead.Key(), CreatedAt: now, LastStepAt: now}
	allLeads, err := e.st.GetLeads(owner)
	if err != nil {
		return nil, fmt.Errorf("load leads: %w", err)
	}
	for _, step := range flow.Steps {
		out, err := e.executeStep(ctx, owner, flow, lead, allLeads, profile, rs, step, req.Overrides)
		if err != nil {
			result.Steps = append(result.Steps, models.StepResult{Type: step.Type, Status: models.StepStatusError, Info: err.Error()})
			continue
		}
		result.Steps = append(result.Steps, models.StepResult{Type: step.Type, Status: out.status, Info: out.info})
	}
	return result, nil
}

func (e *Engine) findLead(owner, leadKey string) (*models.Lead, error) {
	leads, err := e.st.GetLeads(owner)
	if err != nil {
		return nil, fmt.Errorf("load leads: %w", err)
	}
	for i := range leads {
		if leads[i].Key() == leadKey {
			return &leads[i], nil
		}
	}
	return nil, ErrLeadNotFound
}

// dryRunSteps previews what each top-level step would do. Branch steps
// report their condition; send steps report rendering and the policy
// resolution they would get today.
func (e *Engine) dryRunSteps(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, profile *models.Profile) []models.StepResult {
	now := e.now()
	rs := &models.RunState{FlowID: flow.ID, LeadKey: lead.Key(), CreatedAt: now, LastStepAt: now}
	results := make([]models.StepResult, 0, len(flow.Steps))

	for _, step := range flow.Steps {
		results = append(results, e.dryRunStep(ctx, owner, flow, lead, profile, rs, step))
	}
	return results
}

func (e *Engine) dryRunStep(ctx context.Context, owner string, flow *models.Flow, lead *models.Lead, profile *models.Profile, rs *models.RunState, step models.Step) models.StepResult {
	now := e.now()
	res := models.StepResult{Type: step.Type, Status: models.StepStatusOK}

	switch step.Type {
	case models.StepWait:
		res.Info = fmt.Sprintf("would wait %s", step.WaitDuration())

	case models.StepIfNoReply:
		if noReplyWithin(lead, step.WithinDays, now) {
			res.Info = fmt.Sprintf("condition holds, would run %d nested steps", len(step.Then))
		} else {
			res.Status = models.StepStatusSkipped
			res.Info = "lead replied, branch would be skipped"
		}

	case models.StepIfNoBooking:
		if !hasBookingWithin(lead, step.WithinDays, now) {
			res.Info = fmt.Sprintf("condition holds, would run %d nested steps", len(step.Then))
		} else {
			res.Status = models.StepStatusSkipped
			res.Info = "lead booked, branch would be skipped"
		}

	case models.StepAIDraft:
		res.Info = "would draft a message into last_ai_text"
		rs.SetMemo(models.MemoLastAIText, "(draft preview)")

	case models.StepSendWhatsApp:
		res = e.dryRunWhatsApp(ctx, owner, lead, profile, rs, step)

	case models.StepSendEmail:
		subject := RenderText(step.Subject, profile, lead, rs)
		body := step.HTML
		if body == "" {
			body = step.Body
		}
		rendered := RenderText(body, profile, lead, rs)
		switch {
		case lead.Email == "":
			res.Status = models.StepStatusSkipped
			res.Info = "lead has no email"
		case RenderBlocked(subject) || RenderBlocked(rendered):
			res.Status = models.StepStatusSkipped
			res.Info = "blocked by missing setup"
		default:
			res.Info = "would email: " + subject
		}

	case models.StepPushOwner:
		res.Info = "would notify owner: " + RenderText(step.Title, profile, lead, rs)

	case models.StepAddTag:
		if lead.HasTag(step.Tag) {
			res.Info = "tag already present: " + step.Tag
		} else {
			res.Info = "would add tag: " + step.Tag
		}

	default:
		res.Status = models.StepStatusError
		res.Info = "unknown step type"
	}
	return res
}

func (e *Engine) dryRunWhatsApp(ctx context.Context, owner string, lead *models.Lead, profile *models.Profile, rs *models.RunState, step models.Step) models.StepResult {
	res := models.StepResult{Type: step.Type, Status: models.StepStatusOK}

	if lead.WaOptOut {
		res.Status = models.StepStatusSkipped
		res.Info = "lead opted out"
		return res
	}
	if lead.WhatsApp == "" && lead.Phone == "" {
		res.Status = models.StepStatusSkipped
		res.Info = "lead has no phone"
		return res
	}

	text := step.Text
	if text == "" {
		text = "{{last_ai_text}}"
	}
	rendered := RenderText(text, profile, lead, rs)
	if RenderBlocked(rendered) {
		res.Status = models.StepStatusSkipped
		res.Info = "blocked by missing setup"
		return res
	}

	templateName := step.TemplateName
	if templateName == "" {
		templateName = e.defaultTemplate
	}
	lang := step.TemplateLang
	if lang == "" {
		lang = e.defaultLang
	}
	resolution, err := e.resolver.Resolve(ctx, owner, lead.Key(), templateName, lang)
	if err != nil {
		res.Status = models.StepStatusError
		res.Info = "policy resolution failed: " + err.Error()
		return res
	}
	switch resolution.Mode {
	case policy.ModeFreeText:
		res.Info = "would send free text: " + rendered
	case policy.ModeTemplate:
		res.Info = fmt.Sprintf("would send template %s (%s)", resolution.TemplateName, resolution.Language)
		if resolution.Fallback {
			res.Info += " via locale fallback"
		}
	default:
		res.Status = models.StepStatusSkipped
		res.Info = "blocked: " + resolution.Reason
	}
	return res
}
