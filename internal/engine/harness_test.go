package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Retain-ap/retainai-app/internal/models"
)

func testFlowDef() *models.Flow {
	return &models.Flow{
		ID:      "test-flow",
		Owner:   testOwner,
		Trigger: models.Trigger{Type: models.TriggerNewLead, WithinHours: 24},
		Steps: []models.Step{
			{Type: models.StepSendWhatsApp, Text: "Hi {{first_name}}, welcome to {{business_name}}!"},
			{Type: models.StepWait, Days: 1},
			{Type: models.StepSendEmail, Subject: "Welcome", Body: "Book here: {{booking_link}}"},
			{Type: models.StepAddTag, Tag: "Nurtured"},
		},
	}
}

func testLead() *models.Lead {
	return &models.Lead{ID: "l1", Name: "Dana Reyes", Email: "dana@example.com", Phone: "+15551234567"}
}

func TestDryRunSendsNothing(t *testing.T) {
	f := newFixture(t)
	lead := testLead()
	lead.CreatedAt = f.clk.now.Add(-time.Hour)
	f.seedLead(t, *lead, time.Hour)

	res, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode: models.FlowTestModeDryRun,
		Flow: testFlowDef(),
		Lead: lead,
	})
	if err != nil {
		t.Fatalf("RunTest: %v", err)
	}
	if got := f.msgr.SendCount() + f.email.SendCount(); got != 0 {
		t.Fatalf("dry run performed %d sends", got)
	}
	if rs := f.runState(t, "test-flow", "l1"); rs != nil {
		t.Errorf("dry run persisted run state: %+v", rs)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(res.Steps))
	}
	if res.Steps[0].Status != models.StepStatusOK || !strings.Contains(res.Steps[0].Info, "would send free text") {
		t.Errorf("step 0 = %+v, want free text preview", res.Steps[0])
	}
	if !strings.Contains(res.Steps[0].Info, "Dana") {
		t.Errorf("step 0 info = %q, want rendered text", res.Steps[0].Info)
	}
}

func TestExecuteNowWithOverrides(t *testing.T) {
	f := newFixture(t)
	lead := testLead()
	lead.CreatedAt = f.clk.now.Add(-time.Hour)
	f.seedLead(t, *lead, time.Hour)

	res, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode:      models.FlowTestModeExecute,
		Flow:      testFlowDef(),
		Lead:      lead,
		Overrides: models.TestOverrides{IgnoreWaits: true, IgnoreQuietHours: true, BypassRateLimits: true},
	})
	if err != nil {
		t.Fatalf("RunTest: %v", err)
	}
	if got := f.msgr.SendCount(); got != 1 {
		t.Errorf("whatsapp sends = %d, want 1", got)
	}
	if got := f.email.SendCount(); got != 1 {
		t.Errorf("email sends = %d, want 1", got)
	}
	for i, sr := range res.Steps {
		if sr.Status != models.StepStatusOK {
			t.Errorf("step %d = %+v, want ok", i, sr)
		}
	}
	// Execute-now runs on an ephemeral cursor.
	if rs := f.runState(t, "test-flow", "l1"); rs != nil {
		t.Errorf("execute-now persisted run state: %+v", rs)
	}
	leads, _ := f.st.GetLeads(testOwner)
	if !leads[0].HasTag("Nurtured") {
		t.Error("execute-now did not persist the tag write")
	}
}

func TestExecuteNowStillHonorsOptOut(t *testing.T) {
	f := newFixture(t)
	lead := testLead()
	lead.WaOptOut = true
	f.seedLead(t, *lead, time.Hour)

	res, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode:      models.FlowTestModeExecute,
		Flow:      testFlowDef(),
		Lead:      lead,
		Overrides: models.TestOverrides{IgnoreWaits: true, BypassRateLimits: true},
	})
	if err != nil {
		t.Fatalf("RunTest: %v", err)
	}
	if got := f.msgr.SendCount(); got != 0 {
		t.Fatalf("whatsapp sends = %d for opted-out lead, want 0", got)
	}
	if res.Steps[0].Status != models.StepStatusSkipped {
		t.Errorf("step 0 = %+v, want skipped", res.Steps[0])
	}
}

func TestRunTestByStoredFlowAndLeadKey(t *testing.T) {
	f := newFixture(t)
	lead := testLead()
	f.seedLead(t, *lead, time.Hour)
	flow := *testFlowDef()
	f.seedFlow(t, flow)

	res, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode:    models.FlowTestModeDryRun,
		FlowID:  "test-flow",
		LeadKey: "l1",
	})
	if err != nil {
		t.Fatalf("RunTest: %v", err)
	}
	if res.FlowID != "test-flow" || res.LeadKey != "l1" {
		t.Errorf("result = %+v, want stored flow and lead resolved", res)
	}
}

func TestRunTestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  models.FlowTestRequest
		want error
	}{
		{"bad mode", models.FlowTestRequest{Mode: "preview", Flow: testFlowDef(), Lead: testLead()}, models.ErrInvalidTestMode},
		{"missing flow", models.FlowTestRequest{Mode: models.FlowTestModeDryRun, Lead: testLead()}, models.ErrMissingTestFlow},
		{"missing lead", models.FlowTestRequest{Mode: models.FlowTestModeDryRun, Flow: testFlowDef()}, models.ErrMissingTestLead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.RunTest(context.Background(), testOwner, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("RunTest error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunTestUnknownFlow(t *testing.T) {
	f := newFixture(t)
	f.seedLead(t, *testLead(), 0)
	_, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode:    models.FlowTestModeDryRun,
		FlowID:  "nope",
		LeadKey: "l1",
	})
	if !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("RunTest error = %v, want ErrFlowNotFound", err)
	}
}

func TestRunTestUnknownLead(t *testing.T) {
	f := newFixture(t)
	f.seedFlow(t, *testFlowDef())
	_, err := f.eng.RunTest(context.Background(), testOwner, models.FlowTestRequest{
		Mode:    models.FlowTestModeDryRun,
		FlowID:  "test-flow",
		LeadKey: "nobody",
	})
	if !errors.Is(err, ErrLeadNotFound) {
		t.Errorf("RunTest error = %v, want ErrLeadNotFound", err)
	}
}
