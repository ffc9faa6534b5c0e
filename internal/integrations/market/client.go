package market

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ShipmentPayload is one shipment as reported by the marketplace. Empty
// strings mean "the source returned null/absent for this field" — the
// reconciler decides what that does to the cached row.
type ShipmentPayload struct {
	ID             int64
	OrderID        string
	PackID         string
	TrackingNumber string
	Status         string
	Substatus      string
	LastUpdated    *time.Time
	Raw            map[string]any
}

// TokenSet is the result of a refresh-token exchange.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ErrNotFound is the 404-class outcome: the queried account does not own
// the shipment. Callers probing several accounts treat it as "keep going".
var ErrNotFound = errors.New("market: shipment not found")

// ErrInvalidRefreshToken means the stored refresh token was rejected by
// the token endpoint. Terminal; the account needs a manual reconnect.
var ErrInvalidRefreshToken = errors.New("market: refresh token rejected")

// TransportError is raised after the retry budget is exhausted. It keeps
// the last HTTP status and response body for logging; callers must not
// retry further.
type TransportError struct {
	StatusCode int
	Body       string
	Attempts   int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("market: transport failed after %d attempts: http %d: %s", e.Attempts, e.StatusCode, e.Body)
}

// TokenSource yields a currently valid access token for an account.
// Implemented by the token manager.
type TokenSource interface {
	AccessToken(ctx context.Context, ownerID, accountID int64) (string, error)
}

// API is the marketplace surface the engine needs. One request, one
// response; pagination is explicit via offset/limit.
type API interface {
	GetShipment(ctx context.Context, ownerID, accountID int64, shipmentID int64) (ShipmentPayload, error)
	ListShipments(ctx context.Context, ownerID, accountID int64, since time.Time, offset, limit int) ([]ShipmentPayload, error)
}

// Refresher exchanges a refresh token for a fresh token set. Separate from
// API because the token endpoint is not bearer-authenticated.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (TokenSet, error)
}
