package engine

import (
	"strings"

	"github.com/Retain-ap/retainai-app/internal/models"
)

// BlockedMarker is substituted for a profile value that the owner has not
// configured yet. Any rendered text containing it must never be sent; the
// send step converts it into a "Setup needed" notification instead.
const BlockedMarker = "[NEEDS SETUP]"

// RenderText substitutes the recognized placeholders in text with values
// from the owner profile, the lead and the run's scratch memo. Unset
// business name or booking link renders BlockedMarker rather than an
// empty string, so a configuration gap is loud instead of silent.
func RenderText(text string, profile *models.Profile, lead *models.Lead, rs *models.RunState) string {
	business := BlockedMarker
	booking := BlockedMarker
	if profile != nil {
		if profile.BusinessName != "" {
			business = profile.BusinessName
		}
		if profile.BookingLink != "" {
			booking = profile.BookingLink
		}
	}
	var firstName, fullName string
	if lead != nil {
		firstName = lead.FirstName()
		fullName = lead.Name
	}
	if firstName == "" {
		firstName = "there"
	}
	if fullName == "" {
		fullName = "there"
	}
	var lastAI string
	if rs != nil && rs.Memo != nil {
		lastAI = rs.Memo[models.MemoLastAIText]
	}

	r := strings.NewReplacer(
		"{{business_name}}", business,
		"{{booking_link}}", booking,
		"{{first_name}}", firstName,
		"{{name}}", fullName,
		"{{last_ai_text}}", lastAI,
	)
	return r.Replace(text)
}

// RenderBlocked reports whether rendered text carries the setup marker.
func RenderBlocked(rendered string) bool {
	return strings.Contains(rendered, BlockedMarker)
}
