package assignments

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/storage/pgstore"
)

// ConflictError: the package is already in another driver's hands. A
// business outcome for the scanning driver, not a system fault.
type ConflictError struct {
	ShipmentID int64
	Holder     *models.Driver
}

func (e *ConflictError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("shipment %d is already held by %s (%s)", e.ShipmentID, e.Holder.Name, e.Holder.Phone)
	}
	return fmt.Sprintf("shipment %d is already held by another driver", e.ShipmentID)
}

type Repository interface {
	GetActiveAssignment(ctx context.Context, shipmentID, ownerID int64) (*models.Assignment, error)
	CreateActiveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error)
	TouchAssignmentScan(ctx context.Context, assignmentID int64, scannedAt time.Time) error
	CloseActiveAssignment(ctx context.Context, shipmentID, ownerID int64, returnedAt time.Time) (int64, error)
	AppendScan(ctx context.Context, e *models.ScanEntry) error
	GetDriver(ctx context.Context, driverID int64) (*models.Driver, error)
}

// Result is a successful claim: either a new assignment or an idempotent
// re-scan by the current holder.
type Result struct {
	Assignment *models.Assignment
	Outcome    string
}

// Coordinator owns the driver↔shipment relationship. The check-then-insert
// race is settled by the partial unique index on active assignments, not
// by locks: the losing insert comes back as pgstore.ErrActiveHolder and is
// reported as a ConflictError like any other taken package.
type Coordinator struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Coordinator {
	return &Coordinator{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

// Assign claims shipmentID for driverID. scannedCode/resolvedFrom go to
// the audit trail verbatim. Returns *ConflictError when another driver
// holds the package.
func (c *Coordinator) Assign(ctx context.Context, driverID, shipmentID, accountID, ownerID int64, scannedCode, resolvedFrom string) (*Result, error) {
	now := c.now()

	existing, err := c.repo.GetActiveAssignment(ctx, shipmentID, ownerID)
	if err != nil {
		return nil, err
	}

	switch {
	case existing == nil:
		a, err := c.repo.CreateActiveAssignment(ctx, &models.Assignment{
			DriverID:   driverID,
			ShipmentID: shipmentID,
			AccountID:  accountID,
			OwnerID:    ownerID,
			AssignedAt: now,
			ScannedAt:  &now,
		})
		if errors.Is(err, pgstore.ErrActiveHolder) {
			// Lost a race with a concurrent scan; whoever won is the holder.
			return nil, c.conflict(ctx, driverID, shipmentID, ownerID, scannedCode, resolvedFrom, now)
		}
		if err != nil {
			return nil, err
		}
		if err := c.log(ctx, driverID, shipmentID, ownerID, scannedCode, resolvedFrom, models.ScanOutcomeAssigned, now); err != nil {
			return nil, err
		}
		return &Result{Assignment: a, Outcome: models.ScanOutcomeAssigned}, nil

	case existing.DriverID == driverID:
		if err := c.repo.TouchAssignmentScan(ctx, existing.ID, now); err != nil {
			return nil, err
		}
		existing.ScannedAt = &now
		if err := c.log(ctx, driverID, shipmentID, ownerID, scannedCode, resolvedFrom, models.ScanOutcomeRescanned, now); err != nil {
			return nil, err
		}
		return &Result{Assignment: existing, Outcome: models.ScanOutcomeRescanned}, nil

	default:
		return nil, c.conflict(ctx, driverID, shipmentID, ownerID, scannedCode, resolvedFrom, now)
	}
}

// MarkReturned closes the active assignment, if any. Returns whether a
// row was closed; calling it with nothing active is a no-op.
func (c *Coordinator) MarkReturned(ctx context.Context, shipmentID, ownerID int64) (bool, error) {
	n, err := c.repo.CloseActiveAssignment(ctx, shipmentID, ownerID, c.now())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Coordinator) conflict(ctx context.Context, driverID, shipmentID, ownerID int64, scannedCode, resolvedFrom string, now time.Time) error {
	cerr := &ConflictError{ShipmentID: shipmentID}

	holder, err := c.repo.GetActiveAssignment(ctx, shipmentID, ownerID)
	if err == nil && holder != nil {
		if d, derr := c.repo.GetDriver(ctx, holder.DriverID); derr == nil {
			cerr.Holder = d
		}
	}

	if err := c.log(ctx, driverID, shipmentID, ownerID, scannedCode, resolvedFrom, models.ScanOutcomeConflict, now); err != nil {
		return err
	}
	return cerr
}

func (c *Coordinator) log(ctx context.Context, driverID, shipmentID, ownerID int64, scannedCode, resolvedFrom, outcome string, at time.Time) error {
	return c.repo.AppendScan(ctx, &models.ScanEntry{
		DriverID:     driverID,
		ShipmentID:   &shipmentID,
		ScannedCode:  scannedCode,
		ResolvedFrom: resolvedFrom,
		Outcome:      outcome,
		OwnerID:      ownerID,
		ScannedAt:    at,
	})
}
