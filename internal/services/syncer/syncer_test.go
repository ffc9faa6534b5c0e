package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/services/tokens"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	accounts []*models.Account
}

func (f *fakeAccounts) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return f.accounts, nil
}

type fakeAPI struct {
	pages   map[int64][][]market.ShipmentPayload
	listErr map[int64]error
	calls   int
}

func (f *fakeAPI) GetShipment(ctx context.Context, ownerID, accountID, shipmentID int64) (market.ShipmentPayload, error) {
	return market.ShipmentPayload{}, market.ErrNotFound
}

func (f *fakeAPI) ListShipments(ctx context.Context, ownerID, accountID int64, since time.Time, offset, limit int) ([]market.ShipmentPayload, error) {
	f.calls++
	if err := f.listErr[accountID]; err != nil {
		return nil, err
	}
	pages := f.pages[accountID]
	idx := offset / limit
	if idx >= len(pages) {
		return nil, nil
	}
	return pages[idx], nil
}

type fakeApplier struct {
	applied []int64
	failIDs map[int64]bool
}

func (f *fakeApplier) ApplyFresh(ctx context.Context, payload market.ShipmentPayload, accountID, ownerID int64) (*models.Shipment, error) {
	if f.failIDs[payload.ID] {
		return nil, errors.New("reconcile failed")
	}
	f.applied = append(f.applied, payload.ID)
	return &models.Shipment{ShipmentID: payload.ID}, nil
}

func newTestSyncer(accounts *fakeAccounts, api *fakeAPI, applier *fakeApplier) *Syncer {
	return New(accounts, api, applier, nil).
		WithSettings(time.Minute, 2, time.Millisecond, 1000, 48*time.Hour)
}

func payloads(ids ...int64) []market.ShipmentPayload {
	out := make([]market.ShipmentPayload, 0, len(ids))
	for _, id := range ids {
		out = append(out, market.ShipmentPayload{ID: id, Status: models.ShipmentStatusShipped})
	}
	return out
}

func fullPage(start int64) []market.ShipmentPayload {
	out := make([]market.ShipmentPayload, 50)
	for i := range out {
		out[i] = market.ShipmentPayload{ID: start + int64(i), Status: models.ShipmentStatusShipped}
	}
	return out
}

func TestSyncAccount_singlePage(t *testing.T) {
	api := &fakeAPI{pages: map[int64][][]market.ShipmentPayload{
		3: {payloads(101, 102, 103)},
	}}
	applier := &fakeApplier{}
	s := newTestSyncer(&fakeAccounts{}, api, applier)

	rep := s.SyncAccount(context.Background(), &models.Account{ID: 3, OwnerID: 1}, time.Now().Add(-48*time.Hour))
	require.Equal(t, 3, rep.Synced)
	require.Zero(t, rep.Errors)
	require.Equal(t, []int64{101, 102, 103}, applier.applied)
	require.Equal(t, 1, api.calls)
}

func TestSyncAccount_pagesUntilShortPage(t *testing.T) {
	api := &fakeAPI{pages: map[int64][][]market.ShipmentPayload{
		3: {fullPage(1000), payloads(2001, 2002)},
	}}
	applier := &fakeApplier{}
	s := newTestSyncer(&fakeAccounts{}, api, applier)

	rep := s.SyncAccount(context.Background(), &models.Account{ID: 3, OwnerID: 1}, time.Now().Add(-48*time.Hour))
	require.Equal(t, 52, rep.Synced)
	require.Equal(t, 2, api.calls)
}

func TestSyncAccount_perItemFailuresDoNotAbort(t *testing.T) {
	api := &fakeAPI{pages: map[int64][][]market.ShipmentPayload{
		3: {payloads(101, 102, 103)},
	}}
	applier := &fakeApplier{failIDs: map[int64]bool{102: true}}
	s := newTestSyncer(&fakeAccounts{}, api, applier)

	rep := s.SyncAccount(context.Background(), &models.Account{ID: 3, OwnerID: 1}, time.Now().Add(-48*time.Hour))
	require.Equal(t, 2, rep.Synced)
	require.Equal(t, 1, rep.Errors)
	require.Equal(t, []int64{101, 103}, applier.applied)
}

func TestSyncAccount_needsReconnectAborts(t *testing.T) {
	api := &fakeAPI{listErr: map[int64]error{
		3: errors.Wrap(tokens.ErrNeedsReconnect, "account 3"),
	}}
	applier := &fakeApplier{}
	s := newTestSyncer(&fakeAccounts{}, api, applier)

	rep := s.SyncAccount(context.Background(), &models.Account{ID: 3, OwnerID: 1}, time.Now().Add(-48*time.Hour))
	require.True(t, rep.NeedsReconnect)
	require.NotEmpty(t, rep.Err)
	require.Empty(t, applier.applied)
}

func TestRunOnce_oneBrokenAccountDoesNotBlockOthers(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*models.Account{
		{ID: 3, OwnerID: 1, Status: models.AccountStatusActive},
		{ID: 4, OwnerID: 1, Status: models.AccountStatusActive},
	}}
	api := &fakeAPI{
		pages:   map[int64][][]market.ShipmentPayload{4: {payloads(201, 202)}},
		listErr: map[int64]error{3: errors.New("502 bad gateway")},
	}
	applier := &fakeApplier{}
	s := newTestSyncer(accounts, api, applier)

	s.runOnce(context.Background())

	st := s.Stats()
	require.Equal(t, int64(2), st.AccountsSynced)
	require.Equal(t, int64(2), st.ShipmentsSynced)
	require.Equal(t, int64(1), st.TotalErrors)
	require.NotEmpty(t, st.LastError)
	require.ElementsMatch(t, []int64{201, 202}, applier.applied)
}

func TestTrigger_forcesImmediateCycle(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*models.Account{
		{ID: 3, OwnerID: 1, Status: models.AccountStatusActive},
	}}
	api := &fakeAPI{pages: map[int64][][]market.ShipmentPayload{3: {payloads(101)}}}
	applier := &fakeApplier{}
	// Interval long enough that only the trigger can cause a cycle.
	s := New(accounts, api, applier, nil).
		WithSettings(time.Hour, 1, time.Millisecond, 1000, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.Trigger()
	require.Eventually(t, func() bool {
		return s.Stats().ShipmentsSynced == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	st := s.Stats()
	require.NotNil(t, st.LastTriggerAt)
	require.NotNil(t, st.LastCycleAt)
}

func TestWithSettings(t *testing.T) {
	s := New(&fakeAccounts{}, &fakeAPI{}, &fakeApplier{}, nil).
		WithSettings(7*time.Minute, 3, 250*time.Millisecond, 60, 24*time.Hour)
	require.Equal(t, 7*time.Minute, s.syncInterval)
	require.Equal(t, 3, s.accountConcurrency)
	require.Equal(t, 250*time.Millisecond, s.perCallDelay)
	require.Equal(t, int64(60), s.rateLimitPerMinute)
	require.Equal(t, 24*time.Hour, s.syncWindow)
}
