package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/whatsapp"
)

// Opt-out keywords honored on inbound WhatsApp messages.
var optOutKeywords = map[string]bool{
	"STOP":        true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
}

// webhookPayload is the subset of the Graph API webhook notification the
// server cares about: inbound text messages.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// verifyWebhookHandler answers the Graph API subscription handshake.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.verifyToken && s.verifyToken != "" {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(q.Get("hub.challenge"))); err != nil {
			slog.Error("Server.verifyWebhookHandler: failed to write challenge", "error", err)
		}
		return
	}
	slog.Warn("Server.verifyWebhookHandler: verification failed", "mode", q.Get("hub.mode"))
	w.WriteHeader(http.StatusForbidden)
}

// webhookHandler records inbound WhatsApp messages into the sender's chat
// thread and stamps the lead's inbound activity. An inbound message is
// what opens the 24-hour session window and what the auto-stop-on-reply
// policy keys off.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Text.Body == "" {
					continue
				}
				s.recordInbound(owner, msg.From, msg.Text.Body, msg.Timestamp)
			}
		}
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("received", nil))
}

func (s *Server) recordInbound(owner, from, body, timestamp string) {
	now := parseWebhookTime(timestamp)

	leads, err := s.st.GetLeads(owner)
	if err != nil {
		slog.Error("Server.recordInbound: failed to load leads", "error", err, "owner", owner)
		return
	}

	fromDigits := whatsapp.Digits(from, "")
	leadKey := fromDigits
	changed := false
	for i := range leads {
		lead := &leads[i]
		if whatsapp.Digits(lead.WhatsApp, "") != fromDigits && whatsapp.Digits(lead.Phone, "") != fromDigits {
			continue
		}
		leadKey = lead.Key()
		t := now
		lead.LastInboundAt = &t
		lead.LastActivityAt = &t
		if optOutKeywords[strings.ToUpper(strings.TrimSpace(body))] {
			lead.WaOptOut = true
			slog.Info("Server.recordInbound: lead opted out", "owner", owner, "lead_key", leadKey)
		}
		changed = true
		break
	}
	if changed {
		if err := s.st.SaveLeads(owner, leads); err != nil {
			slog.Error("Server.recordInbound: failed to save leads", "error", err, "owner", owner)
		}
	}

	err = s.st.AppendChatMessage(owner, leadKey, models.ChatMessage{
		From: models.ChatFromLead,
		Text: body,
		Time: now,
	})
	if err != nil {
		slog.Error("Server.recordInbound: failed to append chat message", "error", err, "owner", owner, "lead_key", leadKey)
		return
	}
	slog.Debug("Server.recordInbound: inbound message recorded", "owner", owner, "lead_key", leadKey)
}

func parseWebhookTime(timestamp string) time.Time {
	if secs, err := strconv.ParseInt(timestamp, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
