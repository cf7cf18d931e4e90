package engine

import (
	"strings"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// EvaluateTrigger reports whether the trigger condition holds for the lead
// at the given instant. It is a pure function: evaluated once per
// (flow, lead) pair when the run is at step zero, never re-evaluated after
// the run starts.
func EvaluateTrigger(trigger models.Trigger, lead *models.Lead, now time.Time) bool {
	switch trigger.Type {
	case models.TriggerNewLead:
		if trigger.WithinHours <= 0 || lead.CreatedAt.IsZero() {
			return false
		}
		return now.Sub(lead.CreatedAt) <= time.Duration(trigger.WithinHours)*time.Hour

	case models.TriggerNoReply:
		if trigger.Days <= 0 {
			return false
		}
		window := time.Duration(trigger.Days) * 24 * time.Hour
		if last := lastInbound(lead); last != nil {
			// A fresh reply always resets the clock.
			return now.Sub(*last) > window
		}
		// No inbound activity recorded at all: fire only once the lead
		// is older than the window, so brand-new leads are not nagged.
		if lead.CreatedAt.IsZero() {
			return false
		}
		return now.Sub(lead.CreatedAt) > window

	case models.TriggerAppointmentNoShow:
		for _, appt := range lead.Appointments {
			if IsNoShowStatus(appt.Status) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// lastInbound returns the lead's most recent inbound activity timestamp,
// preferring the dedicated inbound stamp over the generic activity one.
func lastInbound(lead *models.Lead) *time.Time {
	if lead.LastInboundAt != nil {
		return lead.LastInboundAt
	}
	return lead.LastActivityAt
}

// IsNoShowStatus matches appointment statuses like "no-show", "no_show",
// "No Show" and "noshow".
func IsNoShowStatus(status string) bool {
	return normalizeStatus(status) == "noshow"
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, " ", "")
}

// hasBookingWithin reports whether the lead has an upcoming or recently
// updated appointment that counts as a booking. No-show and cancelled
// appointments never count.
func hasBookingWithin(lead *models.Lead, withinDays int, now time.Time) bool {
	cutoff := now.Add(-time.Duration(withinDays) * 24 * time.Hour)
	for _, appt := range lead.Appointments {
		switch normalizeStatus(appt.Status) {
		case "noshow", "cancelled", "canceled":
			continue
		}
		if !appt.Time.IsZero() && appt.Time.After(now) {
			return true
		}
		if withinDays <= 0 {
			return true
		}
		if !appt.UpdatedAt.IsZero() && appt.UpdatedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// noReplyWithin reports whether the lead has gone the given number of days
// without any inbound activity, counting from the lead's creation when no
// activity was ever recorded.
func noReplyWithin(lead *models.Lead, withinDays int, now time.Time) bool {
	window := time.Duration(withinDays) * 24 * time.Hour
	if last := lastInbound(lead); last != nil {
		return now.Sub(*last) > window
	}
	if lead.CreatedAt.IsZero() {
		return true
	}
	return now.Sub(lead.CreatedAt) > window
}
