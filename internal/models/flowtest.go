// Package models defines the request and result types for the flow test
// harness exposed on the automations API.
package models

import "errors"

// Flow test modes.
const (
	// FlowTestModeDryRun previews step resolution without sending anything.
	FlowTestModeDryRun = "dry_run"
	// FlowTestModeExecute runs the step interpreter immediately, for real.
	FlowTestModeExecute = "execute"
)

// Step result statuses reported by the test harness and the engine.
const (
	StepStatusOK      = "ok"
	StepStatusSkipped = "skipped"
	StepStatusError   = "error"
)

var (
	ErrInvalidTestMode = errors.New("mode must be dry_run or execute")
	ErrMissingTestFlow = errors.New("flow or flow_id is required")
	ErrMissingTestLead = errors.New("lead or lead_key is required")
)

// TestOverrides are caller-controlled switches for execute-now runs.
// Opt-out and messaging policy are always honored regardless of overrides.
type TestOverrides struct {
	IgnoreWaits      bool `json:"ignore_waits,omitempty"`
	IgnoreQuietHours bool `json:"ignore_quiet_hours,omitempty"`
	BypassRateLimits bool `json:"bypass_rate_limits,omitempty"`
}

// FlowTestRequest is the payload of POST /api/automations/test. Exactly one
// of Flow/FlowID and one of Lead/LeadKey must be provided.
type FlowTestRequest struct {
	Mode      string        `json:"mode"`
	Flow      *Flow         `json:"flow,omitempty"`
	FlowID    string        `json:"flow_id,omitempty"`
	Lead      *Lead         `json:"lead,omitempty"`
	LeadKey   string        `json:"lead_key,omitempty"`
	Overrides TestOverrides `json:"overrides,omitempty"`
}

// Validate checks the test request shape. Flow definitions supplied inline
// are validated like created flows.
func (r *FlowTestRequest) Validate() error {
	if r.Mode != FlowTestModeDryRun && r.Mode != FlowTestModeExecute {
		return ErrInvalidTestMode
	}
	if r.Flow == nil && r.FlowID == "" {
		return ErrMissingTestFlow
	}
	if r.Lead == nil && r.LeadKey == "" {
		return ErrMissingTestLead
	}
	if r.Flow != nil {
		return r.Flow.Validate()
	}
	return nil
}

// StepResult records the outcome of one executed (or previewed) step.
type StepResult struct {
	Type   StepType `json:"type"`
	Status string   `json:"status"`
	Info   string   `json:"info,omitempty"`
}

// FlowTestResult is the response body of the test endpoint.
type FlowTestResult struct {
	Mode    string       `json:"mode"`
	FlowID  string       `json:"flow_id,omitempty"`
	LeadKey string       `json:"lead_key,omitempty"`
	Steps   []StepResult `json:"steps"`
}
