package models

import "time"

// OverlapPolicy decides what a schedule firing does while a run it started
// earlier is still active.
type OverlapPolicy string

const (
	OverlapSkip      OverlapPolicy = "skip"       // Drop the firing
	OverlapBufferOne OverlapPolicy = "buffer_one" // Queue at most one firing behind the active run
	OverlapAllowAll  OverlapPolicy = "allow_all"  // Always start a new concurrent run
)

// Valid reports whether the policy is one of the known values.
func (p OverlapPolicy) Valid() bool {
	switch p {
	case OverlapSkip, OverlapBufferOne, OverlapAllowAll:
		return true
	}

	return false
}

// Schedule triggers runs of a saga on a recurring five-field cron expression.
type Schedule struct {
	ID            string         `json:"id"             validate:"required"`
	CronExpr      string         `json:"cron_expr"      validate:"required"`
	SagaName      string         `json:"saga_name"      validate:"required"`
	OverlapPolicy OverlapPolicy  `json:"overlap_policy" validate:"required"`
	Input         map[string]any `json:"input,omitempty"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
}
