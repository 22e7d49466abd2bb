// Package web provides HTTP request and response types for the saga API.
package web

// StartRunRequest represents the request body for starting a saga run.
type StartRunRequest struct {
	SagaName string         `json:"saga_name" validate:"required,min=1"`
	JobID    string         `json:"job_id"    validate:"required,min=1"`
	Input    map[string]any `json:"input"`
}

// StartRunResponse carries the id of the newly started run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// SignalRequest represents the request body for delivering a signal to a
// waiting run.
type SignalRequest struct {
	Type string `json:"type" validate:"required,min=1"`
	Data any    `json:"data"`
}

// CreateScheduleRequest represents the request body for registering a
// recurring schedule.
type CreateScheduleRequest struct {
	ID            string         `json:"id"             validate:"required,min=1"`
	CronExpr      string         `json:"cron_expr"      validate:"required"`
	SagaName      string         `json:"saga_name"      validate:"required,min=1"`
	OverlapPolicy string         `json:"overlap_policy"`
	Input         map[string]any `json:"input"`
	Enabled       *bool          `json:"enabled,omitempty"`
}
