package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
	"github.com/stretchr/testify/require"
)

type probe struct {
	accountID  int64
	shipmentID int64
}

type fakeAPI struct {
	// known maps accountID -> shipmentID -> payload
	known  map[int64]map[int64]market.ShipmentPayload
	errs   map[int64]error
	probes []probe
}

func (f *fakeAPI) GetShipment(ctx context.Context, ownerID, accountID, shipmentID int64) (market.ShipmentPayload, error) {
	f.probes = append(f.probes, probe{accountID: accountID, shipmentID: shipmentID})
	if err := f.errs[accountID]; err != nil {
		return market.ShipmentPayload{}, err
	}
	if p, ok := f.known[accountID][shipmentID]; ok {
		return p, nil
	}
	return market.ShipmentPayload{}, market.ErrNotFound
}

func (f *fakeAPI) ListShipments(ctx context.Context, ownerID, accountID int64, since time.Time, offset, limit int) ([]market.ShipmentPayload, error) {
	return nil, nil
}

func TestDecode_qrJSON(t *testing.T) {
	id, strategy, err := Decode(`{"id":43126253862,"sender_id":999}`)
	require.NoError(t, err)
	require.Equal(t, int64(43126253862), id)
	require.Equal(t, ResolvedFromJSON, strategy)
}

func TestDecode_urlWithDigitRun(t *testing.T) {
	id, strategy, err := Decode("https://www.mercadolibre.com.ar/shipments/43126253862?source=qr")
	require.NoError(t, err)
	require.Equal(t, int64(43126253862), id)
	require.Equal(t, ResolvedFromURL, strategy)
}

func TestDecode_urlPicksLongestDigitRun(t *testing.T) {
	id, _, err := Decode("https://ml.com/v2/shipments/43126253862")
	require.NoError(t, err)
	require.Equal(t, int64(43126253862), id)
}

func TestDecode_bareNumeric(t *testing.T) {
	id, strategy, err := Decode("43126253862")
	require.NoError(t, err)
	require.Equal(t, int64(43126253862), id)
	require.Equal(t, ResolvedFromNumeric, strategy)
}

func TestDecode_invalid(t *testing.T) {
	for _, code := range []string{"", "   ", "hello", "123", "{broken json", `{"id":"abc"}`} {
		_, _, err := Decode(code)
		require.ErrorIs(t, err, ErrInvalidCode, "code %q", code)
	}
}

func TestResolve_probesNewestAccountFirstAndStopsAtHit(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{known: map[int64]map[int64]market.ShipmentPayload{
		2: {555666777: {ID: 555666777, Status: models.ShipmentStatusShipped}},
	}}
	r := New(api)

	// Account 2 connected last, so it is probed first and 3 never is.
	candidates := []*models.Account{
		{ID: 1, OwnerID: 10, ConnectedAt: base},
		{ID: 3, OwnerID: 10, ConnectedAt: base.Add(time.Hour)},
		{ID: 2, OwnerID: 10, ConnectedAt: base.Add(2 * time.Hour)},
	}

	payload, acc, strategy, err := r.Resolve(context.Background(), "555666777", candidates)
	require.NoError(t, err)
	require.Equal(t, int64(555666777), payload.ID)
	require.Equal(t, int64(2), acc.ID)
	require.Equal(t, ResolvedFromNumeric, strategy)
	require.Len(t, api.probes, 1)
	require.Equal(t, int64(2), api.probes[0].accountID)
}

func TestResolve_secondAccountHit(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{known: map[int64]map[int64]market.ShipmentPayload{
		1: {555666777: {ID: 555666777, Status: models.ShipmentStatusPending}},
	}}
	r := New(api)

	candidates := []*models.Account{
		{ID: 1, OwnerID: 10, ConnectedAt: base},
		{ID: 2, OwnerID: 10, ConnectedAt: base.Add(time.Hour)},
		{ID: 3, OwnerID: 10, ConnectedAt: base.Add(2 * time.Hour)},
	}

	_, acc, _, err := r.Resolve(context.Background(), "555666777", candidates)
	require.NoError(t, err)
	require.Equal(t, int64(1), acc.ID)
	// 3 then 2 missed, 1 hit; exactly three probes.
	require.Len(t, api.probes, 3)
}

func TestResolve_notFoundAcrossAllAccounts(t *testing.T) {
	api := &fakeAPI{}
	r := New(api)

	candidates := []*models.Account{
		{ID: 1, OwnerID: 10},
		{ID: 2, OwnerID: 10},
	}

	_, _, _, err := r.Resolve(context.Background(), "555666777", candidates)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, 2, nf.Attempted)
	require.Len(t, api.probes, 2)
}

func TestResolve_brokenAccountDoesNotBlockOthers(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		known: map[int64]map[int64]market.ShipmentPayload{
			1: {555666777: {ID: 555666777}},
		},
		errs: map[int64]error{2: errors.New("429 too many requests")},
	}
	r := New(api)

	candidates := []*models.Account{
		{ID: 1, OwnerID: 10, ConnectedAt: base},
		{ID: 2, OwnerID: 10, ConnectedAt: base.Add(time.Hour)},
	}

	_, acc, _, err := r.Resolve(context.Background(), "555666777", candidates)
	require.NoError(t, err)
	require.Equal(t, int64(1), acc.ID)
}

func TestResolve_invalidCodeMakesNoCalls(t *testing.T) {
	api := &fakeAPI{}
	r := New(api)

	_, _, _, err := r.Resolve(context.Background(), "not-a-code", []*models.Account{{ID: 1}})
	require.ErrorIs(t, err, ErrInvalidCode)
	require.Empty(t, api.probes)
}
