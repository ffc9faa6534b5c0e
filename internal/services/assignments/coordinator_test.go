package assignments

import (
	"context"
	"testing"
	"time"

	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/storage/pgstore"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	active  *models.Assignment
	drivers map[int64]*models.Driver
	scans   []*models.ScanEntry

	createErr  error
	touchedAt  *time.Time
	closedRows int64
	closeCalls int
}

func (r *fakeRepo) GetActiveAssignment(ctx context.Context, shipmentID, ownerID int64) (*models.Assignment, error) {
	return r.active, nil
}

func (r *fakeRepo) CreateActiveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	a.ID = 1
	r.active = a
	return a, nil
}

func (r *fakeRepo) TouchAssignmentScan(ctx context.Context, assignmentID int64, scannedAt time.Time) error {
	r.touchedAt = &scannedAt
	return nil
}

func (r *fakeRepo) CloseActiveAssignment(ctx context.Context, shipmentID, ownerID int64, returnedAt time.Time) (int64, error) {
	r.closeCalls++
	if r.active != nil {
		r.active.ReturnedAt = &returnedAt
		r.active = nil
		return 1, nil
	}
	return r.closedRows, nil
}

func (r *fakeRepo) AppendScan(ctx context.Context, e *models.ScanEntry) error {
	r.scans = append(r.scans, e)
	return nil
}

func (r *fakeRepo) GetDriver(ctx context.Context, driverID int64) (*models.Driver, error) {
	return r.drivers[driverID], nil
}

func TestAssign_newAssignment(t *testing.T) {
	repo := &fakeRepo{}
	c := New(repo)

	res, err := c.Assign(context.Background(), 5, 101, 3, 1, "101", "numeric")
	require.NoError(t, err)
	require.Equal(t, models.ScanOutcomeAssigned, res.Outcome)
	require.Equal(t, int64(5), res.Assignment.DriverID)
	require.NotNil(t, res.Assignment.ScannedAt)

	require.Len(t, repo.scans, 1)
	require.Equal(t, models.ScanOutcomeAssigned, repo.scans[0].Outcome)
	require.Equal(t, "101", repo.scans[0].ScannedCode)
	require.Equal(t, "numeric", repo.scans[0].ResolvedFrom)
}

func TestAssign_rescanBySameDriverIsIdempotent(t *testing.T) {
	repo := &fakeRepo{active: &models.Assignment{ID: 9, DriverID: 5, ShipmentID: 101, OwnerID: 1}}
	c := New(repo)

	res, err := c.Assign(context.Background(), 5, 101, 3, 1, "101", "numeric")
	require.NoError(t, err)
	require.Equal(t, models.ScanOutcomeRescanned, res.Outcome)
	require.Equal(t, int64(9), res.Assignment.ID)
	require.NotNil(t, repo.touchedAt)

	require.Len(t, repo.scans, 1)
	require.Equal(t, models.ScanOutcomeRescanned, repo.scans[0].Outcome)
}

func TestAssign_conflictNamesTheHolder(t *testing.T) {
	repo := &fakeRepo{
		active:  &models.Assignment{ID: 9, DriverID: 8, ShipmentID: 101, OwnerID: 1},
		drivers: map[int64]*models.Driver{8: {ID: 8, Name: "Marta", Phone: "+54 11 5555-0101"}},
	}
	c := New(repo)

	_, err := c.Assign(context.Background(), 5, 101, 3, 1, "101", "numeric")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(101), conflict.ShipmentID)
	require.NotNil(t, conflict.Holder)
	require.Equal(t, "Marta", conflict.Holder.Name)
	require.Contains(t, conflict.Error(), "Marta")

	require.Len(t, repo.scans, 1)
	require.Equal(t, models.ScanOutcomeConflict, repo.scans[0].Outcome)
}

func TestAssign_lostRaceReportsConflict(t *testing.T) {
	// Nothing active at check time, but the insert hits the partial
	// unique index: a concurrent scan won.
	repo := &fakeRepo{createErr: pgstore.ErrActiveHolder}
	c := New(repo)

	_, err := c.Assign(context.Background(), 5, 101, 3, 1, "101", "numeric")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, repo.scans, 1)
	require.Equal(t, models.ScanOutcomeConflict, repo.scans[0].Outcome)
}

func TestMarkReturned(t *testing.T) {
	repo := &fakeRepo{active: &models.Assignment{ID: 9, DriverID: 5, ShipmentID: 101, OwnerID: 1}}
	c := New(repo)

	closed, err := c.MarkReturned(context.Background(), 101, 1)
	require.NoError(t, err)
	require.True(t, closed)

	// Second close is a no-op, not an error.
	closed, err = c.MarkReturned(context.Background(), 101, 1)
	require.NoError(t, err)
	require.False(t, closed)
	require.Equal(t, 2, repo.closeCalls)
}

func TestMarkReturned_thenReassignable(t *testing.T) {
	repo := &fakeRepo{active: &models.Assignment{ID: 9, DriverID: 5, ShipmentID: 101, OwnerID: 1}}
	c := New(repo)

	closed, err := c.MarkReturned(context.Background(), 101, 1)
	require.NoError(t, err)
	require.True(t, closed)

	res, err := c.Assign(context.Background(), 6, 101, 3, 1, "101", "numeric")
	require.NoError(t, err)
	require.Equal(t, models.ScanOutcomeAssigned, res.Outcome)
	require.Equal(t, int64(6), res.Assignment.DriverID)
}
