package models

import (
	"encoding/json"
	"time"
)

// Payload is one raw API response captured by a collection task.
type Payload struct {
	ID          int64           `json:"id,omitempty"`
	UserID      string          `json:"user_id"`
	Cadence     Cadence         `json:"cadence"`
	Resource    string          `json:"resource"`
	Body        json.RawMessage `json:"body"`
	CollectedAt time.Time       `json:"collected_at"`
}
