package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
)

type Repository interface {
	GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error)
	UpsertShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error)
}

// Reconciler merges fresh marketplace payloads into the local cache.
// Sticky fields (order_id, pack_id, tracking_number) keep the last known
// good value when the source reports null; status/substatus always take
// the fresh value, even when that is a regression.
type Reconciler struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Reconciler {
	return &Reconciler{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Reconciler) Reconcile(ctx context.Context, fresh market.ShipmentPayload, accountID, ownerID int64) (*models.Shipment, error) {
	if fresh.ID == 0 {
		return nil, errors.New("reconciler: payload has no shipment id")
	}

	prev, err := r.repo.GetShipment(ctx, fresh.ID)
	if err != nil {
		return nil, err
	}

	sh := &models.Shipment{
		ShipmentID:   fresh.ID,
		Status:       fresh.Status,
		AccountID:    accountID,
		OwnerID:      ownerID,
		LastUpdateAt: r.now(),
	}
	if fresh.Substatus != "" {
		sh.Substatus = &fresh.Substatus
	}

	var prevOrder, prevPack, prevTracking *string
	var prevRaw map[string]any
	if prev != nil {
		prevOrder, prevPack, prevTracking = prev.OrderID, prev.PackID, prev.TrackingNumber
		prevRaw = prev.RawPayload
	}
	sh.OrderID = sticky(fresh.OrderID, prevOrder)
	sh.PackID = sticky(fresh.PackID, prevPack)
	sh.TrackingNumber = sticky(fresh.TrackingNumber, prevTracking)
	sh.RawPayload = mergeRaw(prevRaw, fresh.Raw)

	return r.repo.UpsertShipment(ctx, sh)
}

// sticky keeps the previous value when the fresh fetch reports nothing.
func sticky(fresh string, prev *string) *string {
	if fresh != "" {
		return &fresh
	}
	return prev
}

// mergeRaw is a shallow key-level merge: fresh keys win, keys present
// only in the previous payload are retained.
func mergeRaw(prev, fresh map[string]any) map[string]any {
	if len(prev) == 0 {
		return fresh
	}
	out := make(map[string]any, len(prev)+len(fresh))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}
