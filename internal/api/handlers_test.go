package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Retain-ap/retainai-app/internal/email"
	"github.com/Retain-ap/retainai-app/internal/engine"
	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/policy"
	"github.com/Retain-ap/retainai-app/internal/store"
)

const testOwner = "owner@glow.studio"

type testServer struct {
	*Server
	st   *store.InMemoryStore
	msgr *messaging.MockService
}

func newTestServer() *testServer {
	st := store.NewInMemoryStore()
	msgr := &messaging.MockService{TemplateCatalog: []models.WaTemplate{
		{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
	}}
	resolver := policy.NewResolver(st, msgr)
	eng := engine.NewEngine(st, resolver,
		engine.WithMessaging(msgr),
		engine.WithEmail(&email.MockSender{}),
		engine.WithDefaultTemplate("follow_up"),
	)
	srv := NewServer(st, eng, WithVerifyToken("secret-token"))
	return &testServer{Server: srv, st: st, msgr: msgr}
}

func createJSONRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set(OwnerHeader, testOwner)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

func assertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

func assertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, expected string) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got, _ := resp["status"].(string); got != expected {
		t.Errorf("response status = %q, want %q", got, expected)
	}
	return resp
}

const validFlowJSON = `{
	"name": "Welcome",
	"trigger": {"type": "new_lead", "within_hours": 24},
	"steps": [{"type": "send_whatsapp", "text": "Hi {{first_name}}!"}]
}`

func TestMissingIdentityRejected(t *testing.T) {
	ts := newTestServer()
	routes := []struct {
		method, path string
	}{
		{"GET", "/api/automations/flows"},
		{"POST", "/api/automations/flows"},
		{"PUT", "/api/automations/flows/x"},
		{"POST", "/api/automations/flows/x/enable"},
		{"DELETE", "/api/automations/flows/x"},
		{"GET", "/api/automations/templates"},
		{"POST", "/api/automations/test"},
		{"GET", "/api/user/profile"},
		{"POST", "/api/user/profile"},
		{"GET", "/api/notifications"},
	}
	for _, rt := range routes {
		req, _ := http.NewRequest(rt.method, rt.path, bytes.NewBufferString("{}"))
		rr := ts.do(req)
		assertHTTPStatus(t, http.StatusUnauthorized, rr.Code, rt.method+" "+rt.path)
	}
}

func TestCreateFlow(t *testing.T) {
	ts := newTestServer()

	rr := ts.do(createJSONRequest(t, "POST", "/api/automations/flows", validFlowJSON))
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "create flow")
	resp := assertJSONStatus(t, rr, "ok")

	result := resp["result"].(map[string]interface{})
	if result["id"] == "" || result["id"] == nil {
		t.Error("created flow has no id")
	}
	// Flows never auto-activate on creation, even if the payload says so.
	if enabled, _ := result["enabled"].(bool); enabled {
		t.Error("created flow is enabled")
	}

	flows, err := ts.st.GetFlows(testOwner)
	if err != nil {
		t.Fatalf("GetFlows: %v", err)
	}
	if len(flows) != 1 {
		t.Fatalf("stored flows = %d, want 1", len(flows))
	}
}

func TestCreateFlowValidation(t *testing.T) {
	ts := newTestServer()
	tests := []struct {
		name string
		body string
	}{
		{"bad trigger", `{"trigger":{"type":"full_moon"},"steps":[{"type":"add_tag","tag":"x"}]}`},
		{"no steps", `{"trigger":{"type":"new_lead","within_hours":24},"steps":[]}`},
		{"empty wait", `{"trigger":{"type":"new_lead","within_hours":24},"steps":[{"type":"wait"}]}`},
		{"nested branch", `{"trigger":{"type":"new_lead","within_hours":24},"steps":[{"type":"if_no_reply","within_days":1,"then":[{"type":"if_no_booking","within_days":1,"then":[{"type":"add_tag","tag":"x"}]}]}]}`},
		{"send without text", `{"trigger":{"type":"new_lead","within_hours":24},"steps":[{"type":"send_whatsapp"}]}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(createJSONRequest(t, "POST", "/api/automations/flows", tt.body))
			assertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			assertJSONStatus(t, rr, "error")
		})
	}
}

func TestUpdateFlowPartial(t *testing.T) {
	ts := newTestServer()
	flow := models.Flow{
		ID:      "f1",
		Owner:   testOwner,
		Name:    "Original",
		Trigger: models.Trigger{Type: models.TriggerNewLead, WithinHours: 24},
		Steps:   []models.Step{{Type: models.StepAddTag, Tag: "x"}},
	}
	if err := ts.st.SaveFlow(testOwner, flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	rr := ts.do(createJSONRequest(t, "PUT", "/api/automations/flows/f1", `{"name":"Renamed"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "update flow")

	stored, err := ts.st.GetFlow(testOwner, "f1")
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if stored.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", stored.Name)
	}
	if len(stored.Steps) != 1 || stored.Steps[0].Tag != "x" {
		t.Errorf("steps changed by partial update: %+v", stored.Steps)
	}
}

func TestUpdateFlowNotFound(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(createJSONRequest(t, "PUT", "/api/automations/flows/nope", `{"name":"x"}`))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "update unknown flow")
}

func TestEnableFlow(t *testing.T) {
	ts := newTestServer()
	flow := models.Flow{
		ID:      "f1",
		Owner:   testOwner,
		Trigger: models.Trigger{Type: models.TriggerNewLead, WithinHours: 24},
		Steps:   []models.Step{{Type: models.StepAddTag, Tag: "x"}},
	}
	if err := ts.st.SaveFlow(testOwner, flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	rr := ts.do(createJSONRequest(t, "POST", "/api/automations/flows/f1/enable", `{"enabled":true}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "enable flow")

	stored, _ := ts.st.GetFlow(testOwner, "f1")
	if !stored.Enabled {
		t.Error("flow not enabled")
	}

	rr = ts.do(createJSONRequest(t, "POST", "/api/automations/flows/f1/enable", `{"enabled":false}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "disable flow")
	stored, _ = ts.st.GetFlow(testOwner, "f1")
	if stored.Enabled {
		t.Error("flow not disabled")
	}
}

func TestDeleteFlowCascadesRunState(t *testing.T) {
	ts := newTestServer()
	flow := models.Flow{
		ID:      "f1",
		Owner:   testOwner,
		Trigger: models.Trigger{Type: models.TriggerNewLead, WithinHours: 24},
		Steps:   []models.Step{{Type: models.StepAddTag, Tag: "x"}},
	}
	if err := ts.st.SaveFlow(testOwner, flow); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	if err := ts.st.SaveRunState(testOwner, models.RunState{FlowID: "f1", LeadKey: "l1", Step: 2, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}

	rr := ts.do(createJSONRequest(t, "DELETE", "/api/automations/flows/f1", ""))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "delete flow")

	if f, _ := ts.st.GetFlow(testOwner, "f1"); f != nil {
		t.Error("flow still present after delete")
	}
	if rs, _ := ts.st.GetRunState(testOwner, "f1", "l1"); rs != nil {
		t.Error("run state survived flow deletion")
	}
}

func TestStarterTemplatesCatalog(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(createJSONRequest(t, "GET", "/api/automations/templates", ""))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "templates")
	resp := assertJSONStatus(t, rr, "ok")

	templates := resp["result"].([]interface{})
	if len(templates) != 3 {
		t.Fatalf("templates = %d, want 3", len(templates))
	}
	first := templates[0].(map[string]interface{})
	if first["id"] != "new-lead-nurture-3touch" {
		t.Errorf("first template id = %v", first["id"])
	}
	// Every starter flow must itself pass validation.
	for _, f := range StarterFlows() {
		if err := f.Validate(); err != nil {
			t.Errorf("starter flow %s invalid: %v", f.ID, err)
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	ts := newTestServer()

	rr := ts.do(createJSONRequest(t, "GET", "/api/user/profile", ""))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "get empty profile")

	body := `{"business_name":"Glow Studio","booking_link":"https://cal.example/glow","quiet_hours_start":21,"quiet_hours_end":8}`
	rr = ts.do(createJSONRequest(t, "POST", "/api/user/profile", body))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "save profile")

	profile, err := ts.st.GetProfile(testOwner)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.BusinessName != "Glow Studio" || *profile.QuietHoursStart != 21 {
		t.Errorf("stored profile = %+v", profile)
	}
}

func TestProfileValidation(t *testing.T) {
	ts := newTestServer()
	tests := []struct {
		name string
		body string
	}{
		{"relative booking link", `{"booking_link":"cal.example/glow"}`},
		{"ftp booking link", `{"booking_link":"ftp://cal.example/glow"}`},
		{"hour out of range", `{"quiet_hours_start":24,"quiet_hours_end":8}`},
		{"negative hour", `{"quiet_hours_start":-1,"quiet_hours_end":8}`},
		{"unpaired quiet hours", `{"quiet_hours_start":21}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(createJSONRequest(t, "POST", "/api/user/profile", tt.body))
			assertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
		})
	}
}

func TestTestEndpointDryRun(t *testing.T) {
	ts := newTestServer()
	body := `{
		"mode": "dry_run",
		"flow": ` + validFlowJSON + `,
		"lead": {"id": "l1", "name": "Dana Reyes", "phone": "+15551234567"}
	}`
	rr := ts.do(createJSONRequest(t, "POST", "/api/automations/test", body))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "dry run")
	resp := assertJSONStatus(t, rr, "ok")

	result := resp["result"].(map[string]interface{})
	steps := result["steps"].([]interface{})
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if got := ts.msgr.SendCount(); got != 0 {
		t.Errorf("dry run performed %d sends", got)
	}
}

func TestTestEndpointBadMode(t *testing.T) {
	ts := newTestServer()
	body := `{"mode":"preview","flow":` + validFlowJSON + `,"lead":{"id":"l1"}}`
	rr := ts.do(createJSONRequest(t, "POST", "/api/automations/test", body))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad mode")
}

func TestNotificationsNewestFirst(t *testing.T) {
	ts := newTestServer()
	for _, title := range []string{"first", "second", "third"} {
		if err := ts.st.AddNotification(models.Notification{ID: title, Owner: testOwner, Title: title, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("AddNotification: %v", err)
		}
	}
	rr := ts.do(createJSONRequest(t, "GET", "/api/notifications", ""))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "notifications")
	resp := assertJSONStatus(t, rr, "ok")

	notifs := resp["result"].([]interface{})
	if len(notifs) != 3 {
		t.Fatalf("notifications = %d, want 3", len(notifs))
	}
	if notifs[0].(map[string]interface{})["title"] != "third" {
		t.Errorf("first notification = %v, want newest", notifs[0])
	}
}

func TestWebhookVerification(t *testing.T) {
	ts := newTestServer()

	req, _ := http.NewRequest("GET", "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	rr := ts.do(req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "webhook verification")
	if rr.Body.String() != "12345" {
		t.Errorf("challenge echo = %q", rr.Body.String())
	}

	req, _ = http.NewRequest("GET", "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rr = ts.do(req)
	assertHTTPStatus(t, http.StatusForbidden, rr.Code, "webhook verification bad token")
}

func TestWebhookInbound(t *testing.T) {
	ts := newTestServer()
	if err := ts.st.SaveLeads(testOwner, []models.Lead{
		{ID: "l1", Name: "Dana Reyes", Phone: "+1 (555) 123-4567"},
	}); err != nil {
		t.Fatalf("SaveLeads: %v", err)
	}

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","timestamp":"1748865600","text":{"body":"Sounds good!"}}]}}]}]}`
	rr := ts.do(createJSONRequest(t, "POST", "/api/whatsapp/webhook", body))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "webhook inbound")

	thread, err := ts.st.GetChatThread(testOwner, "l1")
	if err != nil {
		t.Fatalf("GetChatThread: %v", err)
	}
	if len(thread) != 1 || thread[0].From != models.ChatFromLead || thread[0].Text != "Sounds good!" {
		t.Fatalf("thread = %+v", thread)
	}

	leads, _ := ts.st.GetLeads(testOwner)
	if leads[0].LastInboundAt == nil {
		t.Error("inbound timestamp not stamped on lead")
	}
}

func TestWebhookOptOutKeyword(t *testing.T) {
	ts := newTestServer()
	if err := ts.st.SaveLeads(testOwner, []models.Lead{{ID: "l1", Phone: "+15551234567"}}); err != nil {
		t.Fatalf("SaveLeads: %v", err)
	}

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","timestamp":"1748865600","text":{"body":" stop "}}]}}]}]}`
	rr := ts.do(createJSONRequest(t, "POST", "/api/whatsapp/webhook", body))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "webhook opt-out")

	leads, _ := ts.st.GetLeads(testOwner)
	if !leads[0].WaOptOut {
		t.Error("opt-out keyword did not set wa_opt_out")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	rr := ts.do(req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
}
