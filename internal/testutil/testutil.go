// Package testutil provides common test utilities and helpers for RetainAI tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Retain-ap/retainai-app/internal/api"
	"github.com/Retain-ap/retainai-app/internal/email"
	"github.com/Retain-ap/retainai-app/internal/engine"
	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/policy"
	"github.com/Retain-ap/retainai-app/internal/store"
)

// TestEnv bundles a fully wired in-memory server and its collaborators so
// tests can both drive the HTTP surface and inspect side effects.
type TestEnv struct {
	Server    *api.Server
	Store     *store.InMemoryStore
	Messaging *messaging.MockService
	Email     *email.MockSender
	Engine    *engine.Engine
}

// NewTestEnv creates a test API server with in-memory dependencies.
func NewTestEnv() *TestEnv {
	st := store.NewInMemoryStore()
	msgr := &messaging.MockService{TemplateCatalog: []models.WaTemplate{
		{Name: "follow_up", Language: "en_US", Status: models.TemplateStatusApproved},
	}}
	mail := &email.MockSender{}
	resolver := policy.NewResolver(st, msgr)
	eng := engine.NewEngine(st, resolver,
		engine.WithMessaging(msgr),
		engine.WithEmail(mail),
		engine.WithDefaultTemplate("follow_up"),
	)
	srv := api.NewServer(st, eng, api.WithVerifyToken("test-verify-token"))
	return &TestEnv{Server: srv, Store: st, Messaging: msgr, Email: mail, Engine: eng}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body and the
// owner identity header set.
func CreateHTTPRequest(t *testing.T, method, url, owner string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if owner != "" {
		req.Header.Set(api.OwnerHeader, owner)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
