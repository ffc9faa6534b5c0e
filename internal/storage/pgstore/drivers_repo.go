package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
)

func (s *Storage) CreateDriver(ctx context.Context, d *models.Driver) (*models.Driver, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO drivers (owner_id, name, phone)
VALUES ($1,$2,$3)
RETURNING id, owner_id, name, phone
`, d.OwnerID, d.Name, d.Phone)

	var out models.Driver
	if err := row.Scan(&out.ID, &out.OwnerID, &out.Name, &out.Phone); err != nil {
		return nil, errors.Wrap(err, "insert driver")
	}
	return &out, nil
}

func (s *Storage) GetDriver(ctx context.Context, driverID int64) (*models.Driver, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, owner_id, name, phone FROM drivers WHERE id = $1
`, driverID)

	var d models.Driver
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &d, errors.Wrap(err, "select driver")
}
