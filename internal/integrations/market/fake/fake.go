package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/routeo/packwatch/internal/integrations/market"
)

// FakeMarket is an in-memory marketplace used for local runs and tests.
// Shipments are keyed per account; lookups against accounts that do not
// own the shipment report market.ErrNotFound like the real API.
type FakeMarket struct {
	mu        sync.Mutex
	shipments map[int64]map[int64]market.ShipmentPayload
	calls     int
	err       error
}

func New() *FakeMarket {
	return &FakeMarket{shipments: map[int64]map[int64]market.ShipmentPayload{}}
}

func (f *FakeMarket) Put(accountID int64, p market.ShipmentPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shipments[accountID] == nil {
		f.shipments[accountID] = map[int64]market.ShipmentPayload{}
	}
	f.shipments[accountID][p.ID] = p
}

// FailWith makes every subsequent call return err (nil to clear).
func (f *FakeMarket) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeMarket) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeMarket) GetShipment(ctx context.Context, ownerID, accountID int64, shipmentID int64) (market.ShipmentPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return market.ShipmentPayload{}, f.err
	}
	p, ok := f.shipments[accountID][shipmentID]
	if !ok {
		return market.ShipmentPayload{}, market.ErrNotFound
	}
	return p, nil
}

func (f *FakeMarket) ListShipments(ctx context.Context, ownerID, accountID int64, since time.Time, offset, limit int) ([]market.ShipmentPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if limit <= 0 {
		limit = 50
	}

	var all []market.ShipmentPayload
	for _, p := range f.shipments[accountID] {
		if p.LastUpdated != nil && p.LastUpdated.Before(since) {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// RefreshToken hands out a fresh fake token pair valid for six hours.
func (f *FakeMarket) RefreshToken(ctx context.Context, refreshToken string) (market.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return market.TokenSet{}, f.err
	}
	return market.TokenSet{
		AccessToken:  "fake-access-" + refreshToken,
		RefreshToken: "fake-refresh-" + refreshToken,
		ExpiresAt:    time.Now().UTC().Add(6 * time.Hour),
	}, nil
}
