package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

// ErrActiveHolder is the persistence-level concurrency signal: an insert
// collided with an existing active assignment for the same shipment.
// The coordinator reinterprets it as a driver conflict, it is not a fault.
var ErrActiveHolder = errors.New("pgstore: active assignment already exists")

const assignmentColumns = `
  id, driver_id, shipment_id, account_id, owner_id,
  assigned_at, scanned_at, returned_at`

func scanAssignment(row pgx.Row) (*models.Assignment, error) {
	var a models.Assignment
	if err := row.Scan(
		&a.ID, &a.DriverID, &a.ShipmentID, &a.AccountID, &a.OwnerID,
		&a.AssignedAt, &a.ScannedAt, &a.ReturnedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Storage) GetActiveAssignment(ctx context.Context, shipmentID, ownerID int64) (*models.Assignment, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+assignmentColumns+`
FROM assignments
WHERE shipment_id = $1 AND owner_id = $2 AND returned_at IS NULL
`, shipmentID, ownerID)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, errors.Wrap(err, "select active assignment")
}

// CreateActiveAssignment inserts a new active holder row. A unique-index
// collision on uq_assignments_active comes back as ErrActiveHolder.
func (s *Storage) CreateActiveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO assignments (
  driver_id, shipment_id, account_id, owner_id, assigned_at, scanned_at
)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING`+assignmentColumns,
		a.DriverID, a.ShipmentID, a.AccountID, a.OwnerID,
		a.AssignedAt.UTC(), a.ScannedAt)
	out, err := scanAssignment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrActiveHolder
		}
		return nil, errors.Wrap(err, "insert assignment")
	}
	return out, nil
}

func (s *Storage) TouchAssignmentScan(ctx context.Context, assignmentID int64, scannedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE assignments SET scanned_at = $2 WHERE id = $1
`, assignmentID, scannedAt.UTC())
	return errors.Wrap(err, "touch assignment scan")
}

// CloseActiveAssignment sets returned_at on the active row, if any.
// Returns how many rows were closed (0 or 1); calling it again is a no-op.
func (s *Storage) CloseActiveAssignment(ctx context.Context, shipmentID, ownerID int64, returnedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE assignments
SET returned_at = $3
WHERE shipment_id = $1 AND owner_id = $2 AND returned_at IS NULL
`, shipmentID, ownerID, returnedAt.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "close active assignment")
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) HasReturnedAssignment(ctx context.Context, shipmentID, ownerID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM assignments
  WHERE shipment_id = $1 AND owner_id = $2 AND returned_at IS NOT NULL
)
`, shipmentID, ownerID).Scan(&exists)
	return exists, errors.Wrap(err, "check returned assignment")
}

func (s *Storage) ListActiveAssignedBefore(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Assignment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+assignmentColumns+`
FROM assignments
WHERE owner_id = $1 AND returned_at IS NULL AND assigned_at < $2
ORDER BY assigned_at
`, ownerID, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select overdue assignments")
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}
