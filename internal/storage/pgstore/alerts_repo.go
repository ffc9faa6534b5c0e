package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

const alertColumns = `
  id, shipment_id, alert_type, status, notes, driver_id,
  owner_id, detected_at, resolved_at`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	if err := row.Scan(
		&a.ID, &a.ShipmentID, &a.AlertType, &a.Status, &a.Notes, &a.DriverID,
		&a.OwnerID, &a.DetectedAt, &a.ResolvedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Storage) HasPendingAlert(ctx context.Context, shipmentID int64, alertType string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM alerts
  WHERE shipment_id = $1 AND alert_type = $2 AND status = $3
)
`, shipmentID, alertType, models.AlertStatusPending).Scan(&exists)
	return exists, errors.Wrap(err, "check pending alert")
}

// CreatePendingAlert inserts one pending alert. The partial unique index
// absorbs detector races: a concurrent duplicate comes back as
// inserted=false, not an error.
func (s *Storage) CreatePendingAlert(ctx context.Context, a *models.Alert) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO alerts (
  shipment_id, alert_type, status, notes, driver_id, owner_id, detected_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (shipment_id, alert_type) WHERE status = 'pending' DO NOTHING
`, a.ShipmentID, a.AlertType, models.AlertStatusPending, a.Notes, a.DriverID, a.OwnerID, a.DetectedAt.UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert alert")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) ResolvePendingAlerts(ctx context.Context, shipmentID int64, resolvedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE alerts
SET status = $3, resolved_at = $2
WHERE shipment_id = $1 AND status <> $3
`, shipmentID, resolvedAt.UTC(), models.AlertStatusResolved)
	if err != nil {
		return 0, errors.Wrap(err, "resolve alerts")
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) ListPendingAlerts(ctx context.Context, ownerID int64) ([]*models.Alert, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+alertColumns+`
FROM alerts
WHERE owner_id = $1 AND status = $2
ORDER BY detected_at
`, ownerID, models.AlertStatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "select pending alerts")
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

// AlertTotals are the raw numbers the diagnostic pass reports.
type AlertTotals struct {
	Pending          int64
	Resolved         int64
	DistinctPending  int64
	OrphanPending    int64
	DuplicatePending int64
	TerminalPending  int64
}

func (s *Storage) CountAlertTotals(ctx context.Context, ownerID int64) (AlertTotals, error) {
	var t AlertTotals
	err := s.db.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE status = 'pending'),
  count(*) FILTER (WHERE status = 'resolved'),
  count(DISTINCT shipment_id) FILTER (WHERE status = 'pending')
FROM alerts
WHERE owner_id = $1
`, ownerID).Scan(&t.Pending, &t.Resolved, &t.DistinctPending)
	if err != nil {
		return t, errors.Wrap(err, "count alerts")
	}

	err = s.db.QueryRow(ctx, `
SELECT count(*)
FROM alerts a
WHERE a.owner_id = $1 AND a.status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM shipments sh WHERE sh.shipment_id = a.shipment_id)
`, ownerID).Scan(&t.OrphanPending)
	if err != nil {
		return t, errors.Wrap(err, "count orphan alerts")
	}

	err = s.db.QueryRow(ctx, `
SELECT COALESCE(sum(cnt - 1), 0)
FROM (
  SELECT count(*) AS cnt
  FROM alerts
  WHERE owner_id = $1 AND status = 'pending'
  GROUP BY shipment_id, alert_type
  HAVING count(*) > 1
) d
`, ownerID).Scan(&t.DuplicatePending)
	if err != nil {
		return t, errors.Wrap(err, "count duplicate alerts")
	}

	err = s.db.QueryRow(ctx, `
SELECT count(*)
FROM alerts a
JOIN shipments sh ON sh.shipment_id = a.shipment_id
WHERE a.owner_id = $1 AND a.status = 'pending' AND sh.status = ANY($2)
`, ownerID, models.TerminalStatuses).Scan(&t.TerminalPending)
	return t, errors.Wrap(err, "count terminal alerts")
}

// DeleteOrphanPendingAlerts removes pending alerts whose shipment is
// absent from the cache.
func (s *Storage) DeleteOrphanPendingAlerts(ctx context.Context, ownerID int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `
DELETE FROM alerts a
WHERE a.owner_id = $1 AND a.status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM shipments sh WHERE sh.shipment_id = a.shipment_id)
`, ownerID)
	if err != nil {
		return 0, errors.Wrap(err, "delete orphan alerts")
	}
	return tag.RowsAffected(), nil
}

// DedupePendingAlerts keeps the earliest pending alert per
// (shipment_id, alert_type) and deletes the rest.
func (s *Storage) DedupePendingAlerts(ctx context.Context, ownerID int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `
DELETE FROM alerts a
USING alerts keep
WHERE a.owner_id = $1 AND a.status = 'pending'
  AND keep.owner_id = a.owner_id AND keep.status = 'pending'
  AND keep.shipment_id = a.shipment_id AND keep.alert_type = a.alert_type
  AND (keep.detected_at < a.detected_at
       OR (keep.detected_at = a.detected_at AND keep.id < a.id))
`, ownerID)
	if err != nil {
		return 0, errors.Wrap(err, "dedupe alerts")
	}
	return tag.RowsAffected(), nil
}

// ResolveTerminalAlerts auto-resolves pending alerts whose shipment is
// already in a terminal status.
func (s *Storage) ResolveTerminalAlerts(ctx context.Context, ownerID int64, resolvedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE alerts a
SET status = 'resolved', resolved_at = $3
FROM shipments sh
WHERE a.owner_id = $1 AND a.status = 'pending'
  AND sh.shipment_id = a.shipment_id AND sh.status = ANY($2)
`, ownerID, models.TerminalStatuses, resolvedAt.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "resolve terminal alerts")
	}
	return tag.RowsAffected(), nil
}
