package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/routeo/packwatch/internal/cache"
	"github.com/routeo/packwatch/internal/models"
)

type Repository interface {
	GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error)
}

// Service serves cached shipment reads. The redis layer is best effort:
// it holds the current row as JSON and any miss or cache error falls
// through to the database.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) Get(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(shipmentID)); err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.GetShipment(ctx, shipmentID)
	if err != nil || sh == nil {
		return sh, err
	}
	s.Refresh(ctx, sh)
	return sh, nil
}

// Refresh rewrites the cache entry after a reconcile.
func (s *Service) Refresh(ctx context.Context, sh *models.Shipment) {
	if s.cache == nil || s.currentTTL <= 0 || sh == nil {
		return
	}
	if b, err := json.Marshal(sh); err == nil {
		_ = s.cache.Set(ctx, currentKey(sh.ShipmentID), b, s.currentTTL)
	}
}

func currentKey(shipmentID int64) string {
	return fmt.Sprintf("shipment:%d:current", shipmentID)
}
