package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

const shipmentColumns = `
  id, shipment_id, order_id, pack_id, tracking_number,
  status, substatus, account_id, owner_id, raw_payload,
  last_update_at, created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var rawBytes []byte
	if err := row.Scan(
		&sh.ID, &sh.ShipmentID, &sh.OrderID, &sh.PackID, &sh.TrackingNumber,
		&sh.Status, &sh.Substatus, &sh.AccountID, &sh.OwnerID, &rawBytes,
		&sh.LastUpdateAt, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(rawBytes) > 0 {
		_ = json.Unmarshal(rawBytes, &sh.RawPayload)
	}
	return &sh, nil
}

// GetShipment returns the cached row for a marketplace shipment id, or
// nil when the shipment has never been seen.
func (s *Storage) GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE shipment_id = $1
`, shipmentID)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sh, errors.Wrap(err, "select shipment")
}

// UpsertShipment writes a fully merged shipment keyed on shipment_id.
// The reconciler computes the merge; this write is safe to run
// concurrently for different shipment ids.
func (s *Storage) UpsertShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error) {
	var rawBytes []byte
	if sh.RawPayload != nil {
		b, err := json.Marshal(sh.RawPayload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal raw payload")
		}
		rawBytes = b
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  shipment_id, order_id, pack_id, tracking_number,
  status, substatus, account_id, owner_id, raw_payload,
  last_update_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
ON CONFLICT (shipment_id)
DO UPDATE SET
  order_id = EXCLUDED.order_id,
  pack_id = EXCLUDED.pack_id,
  tracking_number = EXCLUDED.tracking_number,
  status = EXCLUDED.status,
  substatus = EXCLUDED.substatus,
  account_id = EXCLUDED.account_id,
  raw_payload = EXCLUDED.raw_payload,
  last_update_at = EXCLUDED.last_update_at,
  updated_at = now()
RETURNING`+shipmentColumns,
		sh.ShipmentID, sh.OrderID, sh.PackID, sh.TrackingNumber,
		sh.Status, sh.Substatus, sh.AccountID, sh.OwnerID, rawBytes,
		sh.LastUpdateAt.UTC())
	out, err := scanShipment(row)
	return out, errors.Wrap(err, "upsert shipment")
}

func (s *Storage) ListShipmentsByStatus(ctx context.Context, ownerID int64, status string) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE owner_id = $1 AND status = $2
ORDER BY shipment_id
`, ownerID, status)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments by status")
	}
	defer rows.Close()
	return collectShipments(rows)
}

// ListStaleShipments returns non-terminal shipments whose cached state
// has not moved since the cutoff.
func (s *Storage) ListStaleShipments(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE owner_id = $1
  AND NOT (status = ANY($2))
  AND last_update_at < $3
ORDER BY shipment_id
`, ownerID, models.TerminalStatuses, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select stale shipments")
	}
	defer rows.Close()
	return collectShipments(rows)
}

// ListReadyUnshipped returns ready_to_ship shipments created before the
// cutoff; the detector filters out the ones with an active assignment.
func (s *Storage) ListReadyUnshipped(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE owner_id = $1 AND status = $2 AND created_at < $3
ORDER BY shipment_id
`, ownerID, models.ShipmentStatusReadyToShip, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select ready unshipped")
	}
	defer rows.Close()
	return collectShipments(rows)
}

func (s *Storage) ListShipmentOwners(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT owner_id FROM shipments ORDER BY owner_id`)
	if err != nil {
		return nil, errors.Wrap(err, "select shipment owners")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan owner id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

func collectShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}
