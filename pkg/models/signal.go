package models

import "time"

// Signal is an asynchronously delivered external event consumed by a waiting
// run. Delivery is idempotent per type: a later signal of the same type
// overwrites the earlier value and timestamp.
type Signal struct {
	Type       string    `json:"type" validate:"required"`
	Data       any       `json:"data,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
