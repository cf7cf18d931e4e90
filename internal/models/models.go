// Package models defines the core data structures for RetainAI.
//
// It includes types for automation flows, their durable run state, owner
// profiles and notifications, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TriggerType identifies the lead-lifecycle event that starts a flow.
type TriggerType string

const (
	// TriggerNewLead fires for leads created within a configured window.
	TriggerNewLead TriggerType = "new_lead"
	// TriggerNoReply fires for leads with no inbound activity for N days.
	TriggerNoReply TriggerType = "no_reply"
	// TriggerAppointmentNoShow fires for leads with a no-show appointment.
	TriggerAppointmentNoShow TriggerType = "appointment_no_show"
)

// Trigger describes the condition that starts a flow for a lead.
// Which parameter applies depends on Type.
type Trigger struct {
	Type        TriggerType `json:"type"`
	WithinHours int         `json:"within_hours,omitempty"` // new_lead
	Days        int         `json:"days,omitempty"`         // no_reply
}

// StepType identifies one unit of flow execution.
type StepType string

const (
	// StepWait pauses the flow until a duration has elapsed.
	StepWait StepType = "wait"
	// StepIfNoReply runs nested steps when the lead has not replied.
	StepIfNoReply StepType = "if_no_reply"
	// StepIfNoBooking runs nested steps when the lead has not booked.
	StepIfNoBooking StepType = "if_no_booking"
	// StepAIDraft produces a short message draft for later steps.
	StepAIDraft StepType = "ai_draft"
	// StepSendWhatsApp sends a WhatsApp message, free text or template.
	StepSendWhatsApp StepType = "send_whatsapp"
	// StepSendEmail sends a transactional email.
	StepSendEmail StepType = "send_email"
	// StepPushOwner appends a notification to the owner's feed.
	StepPushOwner StepType = "push_owner"
	// StepAddTag adds a tag to the lead's tag set.
	StepAddTag StepType = "add_tag"
)

// Validation constants for flow definitions.
const (
	// MaxStepsPerFlow bounds the length of a flow's step list.
	MaxStepsPerFlow = 50
	// MaxNestedSteps bounds the length of a branch's nested step list.
	MaxNestedSteps = 10
	// MinQuietHour and MaxQuietHour bound the quiet-hours window.
	MinQuietHour = 0
	MaxQuietHour = 23
)

// Error variables for better error handling and testability.
var (
	ErrMissingOwner        = errors.New("owner cannot be empty")
	ErrInvalidTriggerType  = errors.New("invalid trigger type")
	ErrNoSteps             = errors.New("flow requires at least one step")
	ErrTooManySteps        = errors.New("flow exceeds maximum step count")
	ErrInvalidStepType     = errors.New("invalid step type")
	ErrEmptyWait           = errors.New("wait step requires a positive duration")
	ErrMissingBranchSteps  = errors.New("branch step requires nested steps")
	ErrTooManyNestedSteps  = errors.New("branch exceeds maximum nested step count")
	ErrNestedBranch        = errors.New("branch steps cannot nest further branches")
	ErrMissingMessageText  = errors.New("send step requires text or a template name")
	ErrMissingEmailSubject = errors.New("send_email step requires a subject")
	ErrMissingEmailBody    = errors.New("send_email step requires html or body content")
	ErrMissingNotifyTitle  = errors.New("push_owner step requires a title")
	ErrMissingTag          = errors.New("add_tag step requires a tag")
	ErrInvalidBookingLink  = errors.New("booking link must be an absolute http(s) URL")
	ErrQuietHourRange      = errors.New("quiet hours must be between 0 and 23")
	ErrQuietHourPair       = errors.New("quiet hours start and end must be set together")
)

// validationErrors lists every sentinel a Flow or Profile Validate call
// can produce, for callers mapping them to client errors.
var validationErrors = []error{
	ErrMissingOwner, ErrInvalidTriggerType, ErrNoSteps, ErrTooManySteps,
	ErrInvalidStepType, ErrEmptyWait, ErrMissingBranchSteps,
	ErrTooManyNestedSteps, ErrNestedBranch, ErrMissingMessageText,
	ErrMissingEmailSubject, ErrMissingEmailBody, ErrMissingNotifyTitle,
	ErrMissingTag, ErrInvalidBookingLink, ErrQuietHourRange, ErrQuietHourPair,
}

// IsValidationError reports whether err wraps one of the definition
// validation sentinels.
func IsValidationError(err error) bool {
	for _, sentinel := range validationErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Step is one unit of flow execution. It is a tagged union: Type selects
// the variant and determines which of the remaining fields are read.
type Step struct {
	Type StepType `json:"type"`

	// wait
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`

	// if_no_reply / if_no_booking
	WithinDays int    `json:"within_days,omitempty"`
	Then       []Step `json:"then,omitempty"`

	// send_whatsapp
	Text           string   `json:"text,omitempty"`
	TemplateName   string   `json:"template_name,omitempty"`
	TemplateLang   string   `json:"template_lang,omitempty"`
	TemplateParams []string `json:"template_params,omitempty"`

	// send_email
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Body    string `json:"body,omitempty"`

	// push_owner
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// add_tag
	Tag string `json:"tag,omitempty"`
}

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepWait, StepIfNoReply, StepIfNoBooking, StepAIDraft,
		StepSendWhatsApp, StepSendEmail, StepPushOwner, StepAddTag:
		return true
	default:
		return false
	}
}

// WaitDuration returns the configured duration of a wait step.
func (s Step) WaitDuration() time.Duration {
	return time.Duration(s.Days)*24*time.Hour +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute
}

// Validate checks a step definition. Branch steps are validated one level
// deep: nested steps must themselves be valid and must not branch again.
func (s Step) Validate() error {
	if !IsValidStepType(s.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, s.Type)
	}
	switch s.Type {
	case StepWait:
		if s.WaitDuration() <= 0 {
			return ErrEmptyWait
		}
	case StepIfNoReply, StepIfNoBooking:
		if len(s.Then) == 0 {
			return ErrMissingBranchSteps
		}
		if len(s.Then) > MaxNestedSteps {
			return ErrTooManyNestedSteps
		}
		for _, nested := range s.Then {
			if nested.Type == StepIfNoReply || nested.Type == StepIfNoBooking {
				return ErrNestedBranch
			}
			if err := nested.Validate(); err != nil {
				return err
			}
		}
	case StepSendWhatsApp:
		if s.Text == "" && s.TemplateName == "" {
			return ErrMissingMessageText
		}
	case StepSendEmail:
		if s.Subject == "" {
			return ErrMissingEmailSubject
		}
		if s.HTML == "" && s.Body == "" {
			return ErrMissingEmailBody
		}
	case StepPushOwner:
		if s.Title == "" {
			return ErrMissingNotifyTitle
		}
	case StepAddTag:
		if s.Tag == "" {
			return ErrMissingTag
		}
	case StepAIDraft:
		// no required parameters
	}
	return nil
}

// FlowCaps limits how aggressively a flow may message a single lead.
type FlowCaps struct {
	PerLeadPerDay     int  `json:"per_lead_per_day"`
	RespectQuietHours bool `json:"respect_quiet_hours"`
}

// Flow is an owner-authored automation definition: a trigger plus an
// ordered step list. Flows are read-only from the engine's perspective.
type Flow struct {
	ID              string   `json:"id"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name,omitempty"`
	Enabled         bool     `json:"enabled"`
	Trigger         Trigger  `json:"trigger"`
	Steps           []Step   `json:"steps"`
	Caps            FlowCaps `json:"caps"`
	AutoStopOnReply bool     `json:"auto_stop_on_reply"`
}

// Validate performs comprehensive validation on a flow definition.
func (f *Flow) Validate() error {
	switch f.Trigger.Type {
	case TriggerNewLead, TriggerNoReply, TriggerAppointmentNoShow:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTriggerType, f.Trigger.Type)
	}
	if len(f.Steps) == 0 {
		return ErrNoSteps
	}
	if len(f.Steps) > MaxStepsPerFlow {
		return ErrTooManySteps
	}
	for i, step := range f.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Memo keys used by steps to pass data forward within a run.
const (
	// MemoLastAIText holds the draft produced by the most recent ai_draft step.
	MemoLastAIText = "last_ai_text"
)

// RunState is the durable execution cursor for one flow against one lead.
// Step only ever increases, and Done is never unset once true.
type RunState struct {
	FlowID     string               `json:"flow_id"`
	LeadKey    string               `json:"lead_key"`
	Step       int                  `json:"step"`
	CreatedAt  time.Time            `json:"created_at"`
	LastStepAt time.Time            `json:"last_step_at"`
	Done       bool                 `json:"done"`
	LastSent   map[string]time.Time `json:"last_sent,omitempty"`
	Memo       map[string]string    `json:"memo,omitempty"`
}

// CanSend reports whether the channel's last successful send is at least
// minInterval in the past. A channel that never sent can always send.
func (rs *RunState) CanSend(channel string, minInterval time.Duration, now time.Time) bool {
	if rs.LastSent == nil {
		return true
	}
	last, ok := rs.LastSent[channel]
	if !ok {
		return true
	}
	return now.Sub(last) >= minInterval
}

// MarkSent stamps the channel's last successful send time.
func (rs *RunState) MarkSent(channel string, now time.Time) {
	if rs.LastSent == nil {
		rs.LastSent = make(map[string]time.Time)
	}
	rs.LastSent[channel] = now
}

// SetMemo stores a scratch value for later steps in the same run.
func (rs *RunState) SetMemo(key, value string) {
	if rs.Memo == nil {
		rs.Memo = make(map[string]string)
	}
	rs.Memo[key] = value
}

// Profile holds per-owner settings used when rendering and gating sends.
// QuietHoursStart/End are hours in [0,23]; nil means no restriction.
type Profile struct {
	BusinessName    string `json:"business_name"`
	BookingLink     string `json:"booking_link"`
	QuietHoursStart *int   `json:"quiet_hours_start"`
	QuietHoursEnd   *int   `json:"quiet_hours_end"`
}

// Validate checks profile settings. Invalid values are rejected outright,
// never clamped.
func (p *Profile) Validate() error {
	if p.BookingLink != "" {
		u, err := url.Parse(p.BookingLink)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidBookingLink
		}
	}
	if (p.QuietHoursStart == nil) != (p.QuietHoursEnd == nil) {
		return ErrQuietHourPair
	}
	for _, h := range []*int{p.QuietHoursStart, p.QuietHoursEnd} {
		if h != nil && (*h < MinQuietHour || *h > MaxQuietHour) {
			return ErrQuietHourRange
		}
	}
	return nil
}

// InQuietHours reports whether now falls inside the owner's quiet-hours
// window. A start greater than end wraps around midnight. Hours are
// interpreted in the owner's operating timezone (UTC).
func (p *Profile) InQuietHours(now time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, end := *p.QuietHoursStart, *p.QuietHoursEnd
	hour := now.UTC().Hour()
	if start > end {
		return hour >= start || hour < end
	}
	return start <= hour && hour < end
}

// Notification is one entry in an owner's append-only feed. Entries are
// never mutated after creation and are listed newest-first.
type Notification struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Appointment is the slice of a lead's appointment the engine reads for
// no-show and booking conditions.
type Appointment struct {
	ID        string    `json:"id,omitempty"`
	Status    string    `json:"status"`
	Time      time.Time `json:"time,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Lead is the external lead record the engine reads. The engine writes
// back only Tags; everything else is owned by the CRM.
type Lead struct {
	ID             string        `json:"id,omitempty"`
	Name           string        `json:"name,omitempty"`
	Email          string        `json:"email,omitempty"`
	Phone          string        `json:"phone,omitempty"`
	WhatsApp       string        `json:"whatsapp,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	WaOptOut       bool          `json:"wa_opt_out,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastInboundAt  *time.Time    `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time    `json:"last_outbound_at,omitempty"`
	LastActivityAt *time.Time    `json:"last_activity_at,omitempty"`
	Appointments   []Appointment `json:"appointments,omitempty"`
}

// Key resolves the stable identity of a lead: id, falling back to email,
// falling back to phone. Preferring the id keeps run state attached when
// a lead's email changes mid-run.
func (l *Lead) Key() string {
	if l.ID != "" {
		return l.ID
	}
	if l.Email != "" {
		return strings.ToLower(strings.TrimSpace(l.Email))
	}
	return l.Phone
}

// FirstName returns the first whitespace-separated token of the lead's name.
func (l *Lead) FirstName() string {
	fields := strings.Fields(l.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// HasTag reports whether the tag is already present (case-insensitive).
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AddTag adds a tag with set semantics. It reports whether the tag set changed.
func (l *Lead) AddTag(tag string) bool {
	if tag == "" || l.HasTag(tag) {
		return false
	}
	l.Tags = append(l.Tags, tag)
	return true
}

// Chat message senders recorded in a lead's thread.
const (
	// ChatFromUser marks an outbound message sent by the owner or engine.
	ChatFromUser = "user"
	// ChatFromLead marks an inbound message received from the lead.
	ChatFromLead = "lead"
)

// ChatMessage is one entry in a lead's WhatsApp conversation thread.
type ChatMessage struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Template approval statuses reported by the WhatsApp template catalog.
const (
	TemplateStatusApproved = "APPROVED"
	TemplateStatusPending  = "PENDING"
	TemplateStatusRejected = "REJECTED"
)

// WaTemplate is one locale variant of a message template registered under
// the sender's WhatsApp business account.
type WaTemplate struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Status   string `json:"status"`
}

// NormalizeOwner canonicalizes an owner key for storage partitioning.
func NormalizeOwner(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
