package engine

import (
	"context"
	"testing"
	"time"

	"github.com/routeo/packwatch/internal/broker/messages"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/integrations/market/fake"
	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/services/alertaudit"
	"github.com/routeo/packwatch/internal/services/assignments"
	"github.com/routeo/packwatch/internal/services/detector"
	"github.com/routeo/packwatch/internal/services/reconciler"
	"github.com/routeo/packwatch/internal/services/resolver"
	"github.com/routeo/packwatch/internal/services/shipments"
	"github.com/routeo/packwatch/internal/storage/pgstore"
	"github.com/stretchr/testify/require"
)

// memStore backs every repository interface the engine graph needs.
type memStore struct {
	accounts  []*models.Account
	shipments map[int64]*models.Shipment
	drivers   map[int64]*models.Driver
	active    map[int64]*models.Assignment
	returned  map[int64]bool
	alerts    []*models.Alert
	scans     []*models.ScanEntry
	owners    []int64

	nextAssignmentID int64
}

func newMemStore() *memStore {
	return &memStore{
		shipments: map[int64]*models.Shipment{},
		drivers:   map[int64]*models.Driver{},
		active:    map[int64]*models.Assignment{},
		returned:  map[int64]bool{},
	}
}

func (m *memStore) ListAccounts(ctx context.Context, ownerID int64) ([]*models.Account, error) {
	var out []*models.Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) GetAccountByExternalUserID(ctx context.Context, externalUserID int64) (*models.Account, error) {
	for _, a := range m.accounts {
		if a.ExternalUserID == externalUserID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	return m.shipments[shipmentID], nil
}

func (m *memStore) UpsertShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error) {
	m.shipments[sh.ShipmentID] = sh
	return sh, nil
}

func (m *memStore) GetActiveAssignment(ctx context.Context, shipmentID, ownerID int64) (*models.Assignment, error) {
	return m.active[shipmentID], nil
}

func (m *memStore) CreateActiveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error) {
	if m.active[a.ShipmentID] != nil {
		return nil, pgstore.ErrActiveHolder
	}
	m.nextAssignmentID++
	a.ID = m.nextAssignmentID
	m.active[a.ShipmentID] = a
	return a, nil
}

func (m *memStore) TouchAssignmentScan(ctx context.Context, assignmentID int64, scannedAt time.Time) error {
	return nil
}

func (m *memStore) CloseActiveAssignment(ctx context.Context, shipmentID, ownerID int64, returnedAt time.Time) (int64, error) {
	if a := m.active[shipmentID]; a != nil {
		a.ReturnedAt = &returnedAt
		delete(m.active, shipmentID)
		m.returned[shipmentID] = true
		return 1, nil
	}
	return 0, nil
}

func (m *memStore) HasReturnedAssignment(ctx context.Context, shipmentID, ownerID int64) (bool, error) {
	return m.returned[shipmentID], nil
}

func (m *memStore) ListActiveAssignedBefore(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Assignment, error) {
	var out []*models.Assignment
	for _, a := range m.active {
		if a.AssignedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) GetDriver(ctx context.Context, driverID int64) (*models.Driver, error) {
	return m.drivers[driverID], nil
}

func (m *memStore) AppendScan(ctx context.Context, e *models.ScanEntry) error {
	m.scans = append(m.scans, e)
	return nil
}

func (m *memStore) ListShipmentOwners(ctx context.Context) ([]int64, error) {
	return m.owners, nil
}

func (m *memStore) ListShipmentsByStatus(ctx context.Context, ownerID int64, status string) ([]*models.Shipment, error) {
	var out []*models.Shipment
	for _, sh := range m.shipments {
		if sh.OwnerID == ownerID && sh.Status == status {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (m *memStore) ListStaleShipments(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error) {
	var out []*models.Shipment
	for _, sh := range m.shipments {
		if sh.OwnerID == ownerID && !models.IsTerminalStatus(sh.Status) && sh.LastUpdateAt.Before(cutoff) {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (m *memStore) ListReadyUnshipped(ctx context.Context, ownerID int64, cutoff time.Time) ([]*models.Shipment, error) {
	return nil, nil
}

func (m *memStore) HasPendingAlert(ctx context.Context, shipmentID int64, alertType string) (bool, error) {
	for _, a := range m.alerts {
		if a.ShipmentID == shipmentID && a.AlertType == alertType && a.Status == models.AlertStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreatePendingAlert(ctx context.Context, a *models.Alert) (bool, error) {
	a.Status = models.AlertStatusPending
	m.alerts = append(m.alerts, a)
	return true, nil
}

func (m *memStore) ResolvePendingAlerts(ctx context.Context, shipmentID int64, resolvedAt time.Time) (int64, error) {
	var n int64
	for _, a := range m.alerts {
		if a.ShipmentID == shipmentID && a.Status != models.AlertStatusResolved {
			a.Status = models.AlertStatusResolved
			a.ResolvedAt = &resolvedAt
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountAlertTotals(ctx context.Context, ownerID int64) (pgstore.AlertTotals, error) {
	return pgstore.AlertTotals{}, nil
}

func (m *memStore) DeleteOrphanPendingAlerts(ctx context.Context, ownerID int64) (int64, error) {
	return 0, nil
}

func (m *memStore) DedupePendingAlerts(ctx context.Context, ownerID int64) (int64, error) {
	return 0, nil
}

func (m *memStore) ResolveTerminalAlerts(ctx context.Context, ownerID int64, resolvedAt time.Time) (int64, error) {
	return 0, nil
}

type fakeProducer struct {
	topics []string
	values [][]byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func newTestEngine(store *memStore, mkt market.API) *Engine {
	return New(
		store, store, store, store,
		resolver.New(mkt),
		reconciler.New(store),
		assignments.New(store),
		detector.New(store, detector.DefaultThresholds()),
		alertaudit.New(store),
		shipments.New(store, nil, 0),
		mkt,
	)
}

func TestResolveAndAssign_assigned(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1, ExternalUserID: 900}}
	mkt := fake.New()
	mkt.Put(3, market.ShipmentPayload{ID: 101, Status: models.ShipmentStatusReadyToShip, TrackingNumber: "TN1"})
	eng := newTestEngine(store, mkt)

	res, err := eng.ResolveAndAssign(context.Background(), 1, 5, "101101101")
	require.NoError(t, err)
	require.Equal(t, models.ScanOutcomeAssigned, res.Outcome)
	require.NotNil(t, res.Assignment)
	require.Equal(t, int64(5), res.Assignment.DriverID)

	// The fresh payload landed in the cache before the claim.
	require.NotNil(t, store.shipments[101101101])

	require.Len(t, store.scans, 1)
	require.Equal(t, models.ScanOutcomeAssigned, store.scans[0].Outcome)
	require.Equal(t, resolver.ResolvedFromNumeric, store.scans[0].ResolvedFrom)
}

func TestResolveAndAssign_conflictNamesHolder(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1}}
	store.drivers[8] = &models.Driver{ID: 8, OwnerID: 1, Name: "Marta", Phone: "+54 11 5555-0101"}
	store.active[101101101] = &models.Assignment{ID: 1, DriverID: 8, ShipmentID: 101101101, OwnerID: 1}
	mkt := fake.New()
	mkt.Put(3, market.ShipmentPayload{ID: 101101101, Status: models.ShipmentStatusReadyToShip})
	eng := newTestEngine(store, mkt)

	res, err := eng.ResolveAndAssign(context.Background(), 1, 5, "101101101")
	require.NoError(t, err)
	require.Equal(t, models.ScanOutcomeConflict, res.Outcome)
	require.NotNil(t, res.Holder)
	require.Equal(t, "Marta", res.Holder.Name)
	require.Contains(t, res.Message, "Marta")
}

func TestResolveAndAssign_invalidCode(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1}}
	mkt := fake.New()
	eng := newTestEngine(store, mkt)

	res, err := eng.ResolveAndAssign(context.Background(), 1, 5, "garbage")
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalidCode, res.Outcome)
	require.Zero(t, mkt.Calls())

	// The miss still hits the audit trail, with no shipment attached.
	require.Len(t, store.scans, 1)
	require.Nil(t, store.scans[0].ShipmentID)
	require.Equal(t, OutcomeInvalidCode, store.scans[0].Outcome)
	require.Equal(t, "garbage", store.scans[0].ScannedCode)
}

func TestResolveAndAssign_notFoundAcrossAccounts(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1}, {ID: 4, OwnerID: 1}}
	mkt := fake.New()
	eng := newTestEngine(store, mkt)

	res, err := eng.ResolveAndAssign(context.Background(), 1, 5, "101101101")
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, res.Outcome)
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 2, mkt.Calls())

	require.Len(t, store.scans, 1)
	require.Equal(t, OutcomeNotFound, store.scans[0].Outcome)
}

func TestApplyFresh_deliveredClosesAssignmentAndResolvesAlerts(t *testing.T) {
	store := newMemStore()
	store.active[101] = &models.Assignment{ID: 1, DriverID: 5, ShipmentID: 101, OwnerID: 1}
	store.alerts = []*models.Alert{{
		ID: 1, ShipmentID: 101, AlertType: models.AlertTypeStuckShipment,
		Status: models.AlertStatusPending, OwnerID: 1,
	}}
	mkt := fake.New()
	eng := newTestEngine(store, mkt)
	prod := &fakeProducer{}
	eng.WithProducer(prod, "shipment.updated")

	sh, err := eng.ApplyFresh(context.Background(), market.ShipmentPayload{
		ID:     101,
		Status: models.ShipmentStatusDelivered,
	}, 3, 1)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusDelivered, sh.Status)

	require.Nil(t, store.active[101])
	require.True(t, store.returned[101])
	require.Equal(t, models.AlertStatusResolved, store.alerts[0].Status)

	require.Equal(t, []string{"shipment.updated"}, prod.topics)
	require.Contains(t, string(prod.values[0]), `"shipment_id":101`)
}

func TestApplyFresh_nonTerminalLeavesAssignmentAlone(t *testing.T) {
	store := newMemStore()
	store.active[101] = &models.Assignment{ID: 1, DriverID: 5, ShipmentID: 101, OwnerID: 1}
	eng := newTestEngine(store, fake.New())

	_, err := eng.ApplyFresh(context.Background(), market.ShipmentPayload{
		ID:     101,
		Status: models.ShipmentStatusShipped,
	}, 3, 1)
	require.NoError(t, err)
	require.NotNil(t, store.active[101])
}

func TestRefreshShipment_usesCachedAccount(t *testing.T) {
	store := newMemStore()
	store.shipments[101] = &models.Shipment{ShipmentID: 101, AccountID: 3, OwnerID: 1, Status: models.ShipmentStatusShipped}
	mkt := fake.New()
	mkt.Put(3, market.ShipmentPayload{ID: 101, Status: models.ShipmentStatusDelivered})
	eng := newTestEngine(store, mkt)

	res, err := eng.RefreshShipment(context.Background(), 1, 101, 0)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, models.ShipmentStatusDelivered, res.Shipment.Status)
	require.Equal(t, 1, mkt.Calls())
}

func TestRefreshShipment_unknownProbesAllAccounts(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1}, {ID: 4, OwnerID: 1}}
	mkt := fake.New()
	mkt.Put(4, market.ShipmentPayload{ID: 101101101, Status: models.ShipmentStatusPending})
	eng := newTestEngine(store, mkt)

	res, err := eng.RefreshShipment(context.Background(), 1, 101101101, 0)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, int64(4), res.Shipment.AccountID)
}

func TestRefreshShipment_goneFromSource(t *testing.T) {
	store := newMemStore()
	store.shipments[101] = &models.Shipment{ShipmentID: 101, AccountID: 3, OwnerID: 1}
	eng := newTestEngine(store, fake.New())

	res, err := eng.RefreshShipment(context.Background(), 1, 101, 0)
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestHandleWebhook(t *testing.T) {
	store := newMemStore()
	store.accounts = []*models.Account{{ID: 3, OwnerID: 1, ExternalUserID: 900}}
	mkt := fake.New()
	mkt.Put(3, market.ShipmentPayload{ID: 101, Status: models.ShipmentStatusShipped})
	eng := newTestEngine(store, mkt)

	err := eng.HandleWebhook(context.Background(), messages.WebhookEvent{
		Resource: "/shipments/101",
		UserID:   900,
		Topic:    "shipments",
	})
	require.NoError(t, err)
	require.NotNil(t, store.shipments[101])
	require.Equal(t, models.ShipmentStatusShipped, store.shipments[101].Status)
}

func TestHandleWebhook_unknownSellerIsDropped(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, fake.New())

	err := eng.HandleWebhook(context.Background(), messages.WebhookEvent{
		Resource: "/shipments/101",
		UserID:   777,
	})
	require.NoError(t, err)
	require.Empty(t, store.shipments)
}

func TestHandleWebhook_unusableResourceIsDropped(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, fake.New())

	err := eng.HandleWebhook(context.Background(), messages.WebhookEvent{
		Resource: "/orders/notifications",
		UserID:   900,
	})
	require.NoError(t, err)
}

func TestCheckAllOwners_merges(t *testing.T) {
	store := newMemStore()
	store.owners = []int64{1, 2}
	old := time.Now().UTC().Add(-80 * time.Hour)
	store.shipments[101] = &models.Shipment{ShipmentID: 101, OwnerID: 1, Status: models.ShipmentStatusShipped, LastUpdateAt: old}
	store.shipments[102] = &models.Shipment{ShipmentID: 102, OwnerID: 2, Status: models.ShipmentStatusShipped, LastUpdateAt: old}
	eng := newTestEngine(store, fake.New())

	rep, err := eng.CheckAllOwners(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Created[models.AlertTypeStuckShipment])
}

func TestShipmentIDFromResource(t *testing.T) {
	require.Equal(t, int64(43126253862), shipmentIDFromResource("/shipments/43126253862"))
	require.Equal(t, int64(0), shipmentIDFromResource("/shipments/"))
	require.Equal(t, int64(0), shipmentIDFromResource(""))
}
