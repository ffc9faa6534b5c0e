package alertaudit

import (
	"context"
	"time"

	"github.com/routeo/packwatch/internal/storage/pgstore"
)

type Repository interface {
	CountAlertTotals(ctx context.Context, ownerID int64) (pgstore.AlertTotals, error)
	DeleteOrphanPendingAlerts(ctx context.Context, ownerID int64) (int64, error)
	DedupePendingAlerts(ctx context.Context, ownerID int64) (int64, error)
	ResolveTerminalAlerts(ctx context.Context, ownerID int64, resolvedAt time.Time) (int64, error)
}

// Diagnosis is the read-only audit of the alert table. Divergence is
// pending alerts minus distinct alerted shipments; a high value means
// duplicate buildup.
type Diagnosis struct {
	Pending          int64 `json:"pending"`
	Resolved         int64 `json:"resolved"`
	DistinctPending  int64 `json:"distinctPendingShipments"`
	Divergence       int64 `json:"divergence"`
	Orphans          int64 `json:"orphans"`
	Duplicates       int64 `json:"duplicates"`
	AutoResolvable   int64 `json:"autoResolvable"`
}

// CleanupReport counts what the repair pass actually fixed.
type CleanupReport struct {
	OrphansRemoved    int64 `json:"orphansRemoved"`
	DuplicatesRemoved int64 `json:"duplicatesRemoved"`
	AutoResolved      int64 `json:"autoResolved"`
}

type Auditor struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Auditor {
	return &Auditor{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Auditor) Diagnose(ctx context.Context, ownerID int64) (Diagnosis, error) {
	t, err := a.repo.CountAlertTotals(ctx, ownerID)
	if err != nil {
		return Diagnosis{}, err
	}
	return Diagnosis{
		Pending:         t.Pending,
		Resolved:        t.Resolved,
		DistinctPending: t.DistinctPending,
		Divergence:      t.Pending - t.DistinctPending,
		Orphans:         t.OrphanPending,
		Duplicates:      t.DuplicatePending,
		AutoResolvable:  t.TerminalPending,
	}, nil
}

// Cleanup repairs the three anomaly classes in a fixed order: orphans
// are deleted, duplicate pending alerts are trimmed to the oldest one,
// and alerts on terminally-stated shipments are resolved.
func (a *Auditor) Cleanup(ctx context.Context, ownerID int64) (CleanupReport, error) {
	var rep CleanupReport

	n, err := a.repo.DeleteOrphanPendingAlerts(ctx, ownerID)
	if err != nil {
		return rep, err
	}
	rep.OrphansRemoved = n

	n, err = a.repo.DedupePendingAlerts(ctx, ownerID)
	if err != nil {
		return rep, err
	}
	rep.DuplicatesRemoved = n

	n, err = a.repo.ResolveTerminalAlerts(ctx, ownerID, a.now())
	if err != nil {
		return rep, err
	}
	rep.AutoResolved = n

	return rep, nil
}
