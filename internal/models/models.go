package models

import "time"

// Marketplace shipment statuses (lowercase like the source API).
const (
	ShipmentStatusPending          = "pending"
	ShipmentStatusReadyToShip      = "ready_to_ship"
	ShipmentStatusShipped          = "shipped"
	ShipmentStatusDelivered        = "delivered"
	ShipmentStatusNotDelivered     = "not_delivered"
	ShipmentStatusCancelled        = "cancelled"
	ShipmentStatusReturnedToSender = "returned_to_sender"
)

// TerminalStatuses are the states after which a shipment no longer moves.
var TerminalStatuses = []string{
	ShipmentStatusDelivered,
	ShipmentStatusNotDelivered,
	ShipmentStatusCancelled,
	ShipmentStatusReturnedToSender,
}

func IsTerminalStatus(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const (
	AccountStatusActive         = "active"
	AccountStatusNeedsReconnect = "needs_reconnect"
)

const (
	AlertTypeStuckShipment        = "stuck_shipment"
	AlertTypeReadyNotShipped      = "ready_not_shipped"
	AlertTypeNotReturned          = "not_returned"
	AlertTypeNotDeliveredNoReturn = "not_delivered_no_return"
)

const (
	AlertStatusPending       = "pending"
	AlertStatusInvestigating = "investigating"
	AlertStatusResolved      = "resolved"
)

// Account is one connected marketplace seller plus its OAuth credential
// set. Token columns are mutated only through the token manager so that
// expires_at always matches the stored access token.
type Account struct {
	ID             int64
	OwnerID        int64
	Nickname       string
	ExternalUserID int64
	SiteID         string
	Status         string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	ConnectedAt    time.Time
	UpdatedAt      time.Time
}

// Shipment is the locally cached copy of a marketplace shipment.
// shipment_id is the natural key; order/pack/tracking are sticky
// (last known good), status/substatus always mirror the latest fetch.
type Shipment struct {
	ID             int64
	ShipmentID     int64
	OrderID        *string
	PackID         *string
	TrackingNumber *string
	Status         string
	Substatus      *string
	AccountID      int64
	OwnerID        int64
	RawPayload     map[string]any
	LastUpdateAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Driver struct {
	ID      int64
	OwnerID int64
	Name    string
	Phone   string
}

// Assignment records "driver currently holds shipment". At most one row
// per (shipment_id, owner_id) may have returned_at IS NULL.
type Assignment struct {
	ID         int64
	DriverID   int64
	ShipmentID int64
	AccountID  int64
	OwnerID    int64
	AssignedAt time.Time
	ScannedAt  *time.Time
	ReturnedAt *time.Time
}

func (a *Assignment) Active() bool {
	return a != nil && a.ReturnedAt == nil
}

type Alert struct {
	ID         int64
	ShipmentID int64
	AlertType  string
	Status     string
	Notes      string
	DriverID   *int64
	OwnerID    int64
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// ScanEntry is one line of the append-only scan audit trail.
type ScanEntry struct {
	ID           int64
	DriverID     int64
	ShipmentID   *int64
	ScannedCode  string
	ResolvedFrom string
	Outcome      string
	OwnerID      int64
	ScannedAt    time.Time
}

const (
	ScanOutcomeAssigned  = "assigned"
	ScanOutcomeRescanned = "rescanned"
	ScanOutcomeConflict  = "conflict"
)
