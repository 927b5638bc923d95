package model

import "encoding/json"

// WebhookEvent is the parsed shape of an inbound provider webhook body.
// Data is kept opaque; business processing happens downstream of this subsystem.
type WebhookEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DeliveryAttempt is one row of the attempt audit log (ClickHouse).
type DeliveryAttempt struct {
	ItemID        string `db:"item_id" json:"item_id"`
	IntegrationID string `db:"integration_id" json:"integration_id"`
	Operation     string `db:"operation" json:"operation"`
	AttemptNumber int    `db:"attempt_number" json:"attempt_number"`
	Outcome       string `db:"outcome" json:"outcome"` // ok | transient | permanent
	Error         string `db:"error" json:"error,omitempty"`
	AttemptedAt   int64  `db:"attempted_at" json:"attempted_at"` // unix seconds
}
