package api

import "github.com/Retain-ap/retainai-app/internal/models"

// StarterFlows is the built-in catalog of flow templates served by
// GET /api/automations/templates. Callers copy one, adjust it and create
// it as their own flow; the catalog itself is never mutated.
func StarterFlows() []models.Flow {
	return []models.Flow{
		{
			ID:   "new-lead-nurture-3touch",
			Name: "New lead nurture (3 touches)",
			Trigger: models.Trigger{
				Type:        models.TriggerNewLead,
				WithinHours: 24,
			},
			Steps: []models.Step{
				{Type: models.StepSendWhatsApp, Text: "Hi {{first_name}}! Thanks for reaching out to {{business_name}}. Want to grab a time that works for you? {{booking_link}}"},
				{Type: models.StepWait, Days: 1},
				{Type: models.StepIfNoReply, WithinDays: 1, Then: []models.Step{
					{Type: models.StepAIDraft},
					{Type: models.StepSendWhatsApp, Text: "{{last_ai_text}}"},
				}},
				{Type: models.StepWait, Days: 2},
				{Type: models.StepIfNoReply, WithinDays: 3, Then: []models.Step{
					{Type: models.StepSendEmail, Subject: "Still thinking it over?", Body: "Hi {{first_name}},<br><br>No rush at all. Whenever you are ready, you can book a time with {{business_name}} here: {{booking_link}}"},
					{Type: models.StepPushOwner, Title: "Lead to call", Message: "{{name}} has not replied to the nurture sequence. A quick call may help."},
					{Type: models.StepAddTag, Tag: "Needs Attention"},
				}},
			},
			Caps:            models.FlowCaps{PerLeadPerDay: 1, RespectQuietHours: true},
			AutoStopOnReply: true,
		},
		{
			ID:   "no-reply-reengage",
			Name: "Quiet lead re-engagement",
			Trigger: models.Trigger{
				Type: models.TriggerNoReply,
				Days: 7,
			},
			Steps: []models.Step{
				{Type: models.StepAIDraft},
				{Type: models.StepSendWhatsApp, Text: "{{last_ai_text}}"},
				{Type: models.StepWait, Days: 3},
				{Type: models.StepIfNoReply, WithinDays: 3, Then: []models.Step{
					{Type: models.StepAddTag, Tag: "Cold"},
					{Type: models.StepPushOwner, Title: "Lead gone cold", Message: "{{name}} has been quiet for over a week."},
				}},
			},
			Caps:            models.FlowCaps{PerLeadPerDay: 1, RespectQuietHours: true},
			AutoStopOnReply: true,
		},
		{
			ID:   "no-show-winback",
			Name: "No-show winback",
			Trigger: models.Trigger{
				Type: models.TriggerAppointmentNoShow,
			},
			Steps: []models.Step{
				{Type: models.StepSendWhatsApp, Text: "Hi {{first_name}}, sorry we missed you! Things come up. You can pick a new time here: {{booking_link}}"},
				{Type: models.StepWait, Days: 1},
				{Type: models.StepIfNoBooking, WithinDays: 2, Then: []models.Step{
					{Type: models.StepSendEmail, Subject: "Let's find a better time", Body: "Hi {{first_name}},<br><br>We would still love to see you at {{business_name}}. Rebook any time: {{booking_link}}"},
					{Type: models.StepAddTag, Tag: "Needs Attention"},
				}},
			},
			Caps:            models.FlowCaps{PerLeadPerDay: 1, RespectQuietHours: true},
			AutoStopOnReply: true,
		},
	}
}
