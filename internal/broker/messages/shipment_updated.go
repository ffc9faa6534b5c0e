package messages

import "time"

// ShipmentUpdated is published after the reconciler merges a fresh fetch
// into the cache. Consumers get the post-merge view, not the raw payload.
type ShipmentUpdated struct {
	ShipmentID int64     `json:"shipment_id"`
	AccountID  int64     `json:"account_id"`
	OwnerID    int64     `json:"owner_id"`
	Status     string    `json:"status"`
	Substatus  string    `json:"substatus,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}
