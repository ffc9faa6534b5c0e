package pgstore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

// AppendScan writes one audit line. The scan log is append-only; rows are
// never updated or deleted.
func (s *Storage) AppendScan(ctx context.Context, e *models.ScanEntry) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO scan_log (
  driver_id, shipment_id, scanned_code, resolved_from, outcome, owner_id, scanned_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, e.DriverID, e.ShipmentID, e.ScannedCode, e.ResolvedFrom, e.Outcome, e.OwnerID, e.ScannedAt.UTC())
	return errors.Wrap(err, "insert scan log")
}

func (s *Storage) ListScans(ctx context.Context, ownerID int64, limit, offset int) ([]*models.ScanEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, driver_id, shipment_id, scanned_code, resolved_from, outcome, owner_id, scanned_at
FROM scan_log
WHERE owner_id = $1
ORDER BY scanned_at DESC
LIMIT $2 OFFSET $3
`, ownerID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select scan log")
	}
	defer rows.Close()

	var out []*models.ScanEntry
	for rows.Next() {
		var e models.ScanEntry
		if err := rows.Scan(
			&e.ID, &e.DriverID, &e.ShipmentID, &e.ScannedCode,
			&e.ResolvedFrom, &e.Outcome, &e.OwnerID, &e.ScannedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan scan entry")
		}
		out = append(out, &e)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}
