package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/routeo/packwatch/internal/models"
)

// Thresholds control how old a condition must be before it alerts.
type Thresholds struct {
	StuckAfter          time.Duration // default: 48h
	ReadyUnshippedAfter time.Duration // default: 24h
	NotReturnedAfter    time.Duration // default: 72h
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckAfter:          48 * time.Hour,
		ReadyUnshippedAfter: 24 * time.Hour,
		NotReturnedAfter:    72 * time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.StuckAfter <= 0 {
		t.StuckAfter = def.StuckAfter
	}
	if t.ReadyUnshippedAfter <= 0 {
		t.ReadyUnshippedAfter = def.ReadyUnshippedAfter
	}
	if t.NotReturnedAfter <= 0 {
		t.NotReturnedAfter = def.NotReturnedAfter
	}
	return t
}

type Repository interface {
	ListShipmentsByStatus(ctx context.Context, ownerID int64, status string) ([]*models.Shipment, error)
	ListStaleShipments(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error)
	ListReadyUnshipped(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error)
	ListActiveAssignedBefore(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Assignment, error)
	GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error)
	GetActiveAssignment(ctx context.Context, shipmentID, ownerID int64) (*models.Assignment, error)
	HasReturnedAssignment(ctx context.Context, shipmentID, ownerID int64) (bool, error)
	HasPendingAlert(ctx context.Context, shipmentID int64, alertType string) (bool, error)
	CreatePendingAlert(ctx context.Context, a *models.Alert) (bool, error)
}

// Report counts what one detector run produced. Items that error are
// skipped and counted, never abort the run.
type Report struct {
	Created map[string]int `json:"created"`
	Checked int            `json:"checked"`
	Errors  int            `json:"errors"`
}

// Detector is the scheduled stuck/orphan scan: four independent checks,
// each idempotent (an existing pending alert of the same type suppresses
// a new one).
type Detector struct {
	repo       Repository
	thresholds Thresholds
	now        func() time.Time
}

func New(repo Repository, thresholds Thresholds) *Detector {
	return &Detector{
		repo:       repo,
		thresholds: thresholds.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *Detector) WithClock(now func() time.Time) *Detector {
	if now != nil {
		d.now = now
	}
	return d
}

func (d *Detector) Run(ctx context.Context, ownerID int64) Report {
	rep := Report{Created: map[string]int{}}
	d.checkNotDeliveredNoReturn(ctx, ownerID, &rep)
	d.checkStuckShipments(ctx, ownerID, &rep)
	d.checkReadyNotShipped(ctx, ownerID, &rep)
	d.checkNotReturned(ctx, ownerID, &rep)
	return rep
}

// not_delivered_no_return: delivery failed and the package never made it
// back to stock.
func (d *Detector) checkNotDeliveredNoReturn(ctx context.Context, ownerID int64, rep *Report) {
	shipments, err := d.repo.ListShipmentsByStatus(ctx, ownerID, models.ShipmentStatusNotDelivered)
	if err != nil {
		slog.Error("detector: list not_delivered", "owner_id", ownerID, "error", err.Error())
		rep.Errors++
		return
	}

	for _, sh := range shipments {
		rep.Checked++
		returned, err := d.repo.HasReturnedAssignment(ctx, sh.ShipmentID, ownerID)
		if err != nil {
			slog.Error("detector: check returned", "shipment_id", sh.ShipmentID, "error", err.Error())
			rep.Errors++
			continue
		}
		if returned {
			continue
		}
		notes := fmt.Sprintf("shipment %d reported not_delivered and was never returned to stock", sh.ShipmentID)
		d.raise(ctx, ownerID, sh.ShipmentID, models.AlertTypeNotDeliveredNoReturn, notes, rep)
	}
}

// stuck_shipment: non-terminal status with no movement for too long.
func (d *Detector) checkStuckShipments(ctx context.Context, ownerID int64, rep *Report) {
	cutoff := d.now().Add(-d.thresholds.StuckAfter)
	shipments, err := d.repo.ListStaleShipments(ctx, ownerID, cutoff)
	if err != nil {
		slog.Error("detector: list stale", "owner_id", ownerID, "error", err.Error())
		rep.Errors++
		return
	}

	for _, sh := range shipments {
		rep.Checked++
		hours := int(d.now().Sub(sh.LastUpdateAt).Hours())
		notes := fmt.Sprintf("shipment %d stuck in %q for %dh with no status change", sh.ShipmentID, sh.Status, hours)
		d.raise(ctx, ownerID, sh.ShipmentID, models.AlertTypeStuckShipment, notes, rep)
	}
}

// ready_not_shipped: labeled and waiting but no driver ever picked it up.
func (d *Detector) checkReadyNotShipped(ctx context.Context, ownerID int64, rep *Report) {
	cutoff := d.now().Add(-d.thresholds.ReadyUnshippedAfter)
	shipments, err := d.repo.ListReadyUnshipped(ctx, ownerID, cutoff)
	if err != nil {
		slog.Error("detector: list ready unshipped", "owner_id", ownerID, "error", err.Error())
		rep.Errors++
		return
	}

	for _, sh := range shipments {
		rep.Checked++
		active, err := d.repo.GetActiveAssignment(ctx, sh.ShipmentID, ownerID)
		if err != nil {
			slog.Error("detector: check active", "shipment_id", sh.ShipmentID, "error", err.Error())
			rep.Errors++
			continue
		}
		if active != nil {
			continue
		}
		notes := fmt.Sprintf("shipment %d ready_to_ship with no pickup since %s", sh.ShipmentID, sh.CreatedAt.Format(time.RFC3339))
		d.raise(ctx, ownerID, sh.ShipmentID, models.AlertTypeReadyNotShipped, notes, rep)
	}
}

// not_returned: a driver has been holding the package for too long while
// the shipment never reached a terminal state.
func (d *Detector) checkNotReturned(ctx context.Context, ownerID int64, rep *Report) {
	cutoff := d.now().Add(-d.thresholds.NotReturnedAfter)
	overdue, err := d.repo.ListActiveAssignedBefore(ctx, ownerID, cutoff)
	if err != nil {
		slog.Error("detector: list overdue assignments", "owner_id", ownerID, "error", err.Error())
		rep.Errors++
		return
	}

	for _, a := range overdue {
		rep.Checked++
		sh, err := d.repo.GetShipment(ctx, a.ShipmentID)
		if err != nil {
			slog.Error("detector: load shipment", "shipment_id", a.ShipmentID, "error", err.Error())
			rep.Errors++
			continue
		}
		if sh != nil && models.IsTerminalStatus(sh.Status) {
			continue
		}
		days := int(d.now().Sub(a.AssignedAt).Hours() / 24)
		notes := fmt.Sprintf("driver %d has held shipment %d for %dd without returning it", a.DriverID, a.ShipmentID, days)
		driverID := a.DriverID
		d.raiseWithDriver(ctx, ownerID, a.ShipmentID, models.AlertTypeNotReturned, notes, &driverID, rep)
	}
}

func (d *Detector) raise(ctx context.Context, ownerID, shipmentID int64, alertType, notes string, rep *Report) {
	var driverID *int64
	if a, err := d.repo.GetActiveAssignment(ctx, shipmentID, ownerID); err == nil && a != nil {
		id := a.DriverID
		driverID = &id
	}
	d.raiseWithDriver(ctx, ownerID, shipmentID, alertType, notes, driverID, rep)
}

func (d *Detector) raiseWithDriver(ctx context.Context, ownerID, shipmentID int64, alertType, notes string, driverID *int64, rep *Report) {
	exists, err := d.repo.HasPendingAlert(ctx, shipmentID, alertType)
	if err != nil {
		slog.Error("detector: check pending alert", "shipment_id", shipmentID, "type", alertType, "error", err.Error())
		rep.Errors++
		return
	}
	if exists {
		return
	}

	inserted, err := d.repo.CreatePendingAlert(ctx, &models.Alert{
		ShipmentID: shipmentID,
		AlertType:  alertType,
		Notes:      notes,
		DriverID:   driverID,
		OwnerID:    ownerID,
		DetectedAt: d.now(),
	})
	if err != nil {
		slog.Error("detector: create alert", "shipment_id", shipmentID, "type", alertType, "error", err.Error())
		rep.Errors++
		return
	}
	if inserted {
		rep.Created[alertType]++
	}
}
