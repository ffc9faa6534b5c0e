package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort byte cache; misses and cache outages are
// never fatal to the caller.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
