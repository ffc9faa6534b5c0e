package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/services/tokens"
)

type AccountsRepo interface {
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
}

// Applier merges one fresh payload into the cache and runs the
// post-reconcile hooks. Implemented by the engine so the poll path and
// the webhook path share one code path.
type Applier interface {
	ApplyFresh(ctx context.Context, payload market.ShipmentPayload, accountID, ownerID int64) (*models.Shipment, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Syncer periodically pulls shipment state for every connected account.
// Accounts run in parallel under a bounded worker count; calls against a
// single account stay serialized with a small spacing on top of the
// per-account rate limit, so one seller's quota is never hammered.
type Syncer struct {
	accounts AccountsRepo
	client   market.API
	applier  Applier
	rl       RateLimiter

	syncInterval       time.Duration
	accountConcurrency int
	perCallDelay       time.Duration
	rateLimitPerMinute int64
	syncWindow         time.Duration
	pageSize           int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	accountsSynced      atomic.Int64
	shipmentsSynced     atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(accounts AccountsRepo, client market.API, applier Applier, rl RateLimiter) *Syncer {
	return &Syncer{
		accounts: accounts, client: client, applier: applier, rl: rl,
		syncInterval:       5 * time.Minute,
		accountConcurrency: 5,
		perCallDelay:       100 * time.Millisecond,
		rateLimitPerMinute: 120,
		syncWindow:         48 * time.Hour,
		pageSize:           50,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Syncer) WithSettings(interval time.Duration, concurrency int, perCallDelay time.Duration, rlPerMin int64, window time.Duration) *Syncer {
	if interval > 0 {
		s.syncInterval = interval
	}
	if concurrency > 0 {
		s.accountConcurrency = concurrency
	}
	if perCallDelay > 0 {
		s.perCallDelay = perCallDelay
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	if window > 0 {
		s.syncWindow = window
	}
	return s
}

// Trigger forces an immediate sync cycle (best-effort, non-blocking).
func (s *Syncer) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	AccountsSynced  int64      `json:"accountsSynced"`
	ShipmentsSynced int64      `json:"shipmentsSynced"`
	TotalErrors     int64      `json:"totalErrors"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, s.startedAtUnixNano).UTC(),
		AccountsSynced:  s.accountsSynced.Load(),
		ShipmentsSynced: s.shipmentsSynced.Load(),
		TotalErrors:     s.totalErrors.Load(),
		InFlight:        s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Syncer) Run(ctx context.Context) error {
	t := time.NewTicker(s.syncInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		slog.Error("list active accounts", "error", err.Error())
		s.noteError(err)
		return
	}

	since := now.Add(-s.syncWindow)
	sem := make(chan struct{}, s.accountConcurrency)
	var wg sync.WaitGroup
	for _, acc := range accounts {
		sem <- struct{}{}
		wg.Add(1)
		accCopy := acc
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			rep := s.SyncAccount(ctx, accCopy, since)
			s.accountsSynced.Add(1)
			s.shipmentsSynced.Add(int64(rep.Synced))
			s.totalErrors.Add(int64(rep.Errors))
			if rep.Err != "" {
				s.noteError(errors.New(rep.Err))
			}
			if rep.NeedsReconnect {
				slog.Warn("account needs reconnect, skipped", "account_id", accCopy.ID, "owner_id", accCopy.OwnerID)
			}
		}()
	}
	wg.Wait()
}

// AccountReport is the partial-failure summary of one account's sync.
type AccountReport struct {
	AccountID      int64  `json:"accountId"`
	OwnerID        int64  `json:"ownerId"`
	Synced         int    `json:"synced"`
	Errors         int    `json:"errors"`
	NeedsReconnect bool   `json:"needsReconnect,omitempty"`
	Err            string `json:"error,omitempty"`
}

// SyncAccount pages through one account's shipments since the given time
// and reconciles each. Per-item failures are counted and skipped; only a
// dead refresh token aborts the account.
func (s *Syncer) SyncAccount(ctx context.Context, acc *models.Account, since time.Time) AccountReport {
	rep := AccountReport{AccountID: acc.ID, OwnerID: acc.OwnerID}

	for offset := 0; ; offset += s.pageSize {
		if err := s.throttle(ctx, acc.ID); err != nil {
			rep.Err = err.Error()
			return rep
		}

		page, err := s.client.ListShipments(ctx, acc.OwnerID, acc.ID, since, offset, s.pageSize)
		if err != nil {
			if errors.Is(err, tokens.ErrNeedsReconnect) {
				rep.NeedsReconnect = true
				rep.Err = err.Error()
				return rep
			}
			rep.Errors++
			rep.Err = err.Error()
			slog.Error("list shipments", "account_id", acc.ID, "offset", offset, "error", err.Error())
			return rep
		}

		for _, p := range page {
			if _, err := s.applier.ApplyFresh(ctx, p, acc.ID, acc.OwnerID); err != nil {
				rep.Errors++
				slog.Error("apply shipment", "account_id", acc.ID, "shipment_id", p.ID, "error", err.Error())
				continue
			}
			rep.Synced++
		}

		if len(page) < s.pageSize {
			return rep
		}
	}
}

// throttle waits out the per-call spacing and checks the shared
// per-account minute counter.
func (s *Syncer) throttle(ctx context.Context, accountID int64) error {
	if s.perCallDelay > 0 {
		t := time.NewTimer(s.perCallDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return nil
	}
	key := fmt.Sprintf("rl:account:%d:%s", accountID, time.Now().UTC().Format("200601021504"))
	allowed, n, err := s.rl.Allow(ctx, key, s.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return err
	}
	if !allowed {
		slog.Warn("account rate limit exceeded", "account_id", accountID, "count", n)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

func (s *Syncer) noteError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
