package models

import (
	"encoding/json"
	"time"
)

// AuditEntry is an immutable record of a state-changing action.
type AuditEntry struct {
	ID        int64           `json:"id" db:"id"`
	Action    string          `json:"action" db:"action"`
	Entity    string          `json:"entity" db:"entity"`
	EntityID  string          `json:"entityId" db:"entity_id"`
	OldValue  json.RawMessage `json:"oldValue,omitempty" db:"old_value"`
	NewValue  json.RawMessage `json:"newValue,omitempty" db:"new_value"`
	Actor     string          `json:"actor" db:"actor"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}
