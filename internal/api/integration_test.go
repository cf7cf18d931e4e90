package api_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/testutil"
)

// End-to-end: author a flow over HTTP, enable it, let the engine tick, and
// observe the send plus the run state it leaves behind.
func TestAuthorEnableAndTick(t *testing.T) {
	env := testutil.NewTestEnv()
	owner := "owner@glow.studio"

	req := testutil.CreateHTTPRequest(t, "POST", "/api/user/profile", owner, models.Profile{
		BusinessName: "Glow Studio",
		BookingLink:  "https://cal.example/glow",
	})
	rr := httptest.NewRecorder()
	env.Server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 200, rr.Code, "save profile")

	flow := models.Flow{
		Trigger: models.Trigger{Type: models.TriggerNewLead, WithinHours: 24},
		Steps:   []models.Step{{Type: models.StepSendWhatsApp, Text: "Welcome to {{business_name}}!"}},
	}
	req = testutil.CreateHTTPRequest(t, "POST", "/api/automations/flows", owner, flow)
	rr = httptest.NewRecorder()
	env.Server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 201, rr.Code, "create flow")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	flowID := resp["result"].(map[string]interface{})["id"].(string)

	req = testutil.CreateHTTPRequest(t, "POST", "/api/automations/flows/"+flowID+"/enable", owner, map[string]bool{"enabled": true})
	rr = httptest.NewRecorder()
	env.Server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 200, rr.Code, "enable flow")

	if err := env.Store.SaveLeads(owner, []models.Lead{
		{ID: "l1", Name: "Dana", Phone: "+15551234567", CreatedAt: time.Now().Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("SaveLeads: %v", err)
	}
	if err := env.Store.AppendChatMessage(owner, "l1", models.ChatMessage{
		From: models.ChatFromLead, Text: "hi", Time: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	if err := env.Engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := env.Messaging.SendCount(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	rs, err := env.Store.GetRunState(owner, flowID, "l1")
	if err != nil {
		t.Fatalf("GetRunState: %v", err)
	}
	if rs == nil || !rs.Done {
		t.Errorf("run state = %+v, want done", rs)
	}
}
