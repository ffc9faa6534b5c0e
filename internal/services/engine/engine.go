package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/broker/messages"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
	"github.com/routeo/packwatch/internal/services/alertaudit"
	"github.com/routeo/packwatch/internal/services/assignments"
	"github.com/routeo/packwatch/internal/services/detector"
	"github.com/routeo/packwatch/internal/services/reconciler"
	"github.com/routeo/packwatch/internal/services/resolver"
	"github.com/routeo/packwatch/internal/services/shipments"
)

type AccountsRepo interface {
	ListAccounts(ctx context.Context, ownerID int64) ([]*models.Account, error)
	GetAccountByExternalUserID(ctx context.Context, externalUserID int64) (*models.Account, error)
}

type AlertsRepo interface {
	ResolvePendingAlerts(ctx context.Context, shipmentID int64, resolvedAt time.Time) (int64, error)
}

type ScansRepo interface {
	AppendScan(ctx context.Context, e *models.ScanEntry) error
}

type OwnersRepo interface {
	ListShipmentOwners(ctx context.Context) ([]int64, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Scan outcomes beyond the coordinator's own.
const (
	OutcomeInvalidCode = "invalid_code"
	OutcomeNotFound    = "not_found"
)

// ScanResult is the typed answer to a driver scan. Business conditions
// (bad code, unknown shipment, package already taken) are outcomes here,
// never errors: the presentation layer renders them, it does not retry.
type ScanResult struct {
	Outcome    string             `json:"outcome"`
	Shipment   *models.Shipment   `json:"shipment,omitempty"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
	Holder     *models.Driver     `json:"holder,omitempty"`
	Attempted  int                `json:"attempted,omitempty"`
	Message    string             `json:"message,omitempty"`
}

type RefreshResult struct {
	Found    bool             `json:"found"`
	Shipment *models.Shipment `json:"shipment,omitempty"`
}

// Engine is the synchronous face of the sync/reconciliation core: one
// entry point per operation, shared by the HTTP API, the webhook
// consumer and the periodic worker.
type Engine struct {
	accounts AccountsRepo
	alerts   AlertsRepo
	scans    ScansRepo
	owners   OwnersRepo

	resolver    *resolver.Resolver
	reconciler  *reconciler.Reconciler
	coordinator *assignments.Coordinator
	detector    *detector.Detector
	auditor     *alertaudit.Auditor
	shipcache   *shipments.Service
	client      market.API

	producer Producer
	topic    string

	now func() time.Time
}

func New(
	accounts AccountsRepo,
	alerts AlertsRepo,
	scans ScansRepo,
	owners OwnersRepo,
	res *resolver.Resolver,
	rec *reconciler.Reconciler,
	coord *assignments.Coordinator,
	det *detector.Detector,
	aud *alertaudit.Auditor,
	shipcache *shipments.Service,
	client market.API,
) *Engine {
	return &Engine{
		accounts:    accounts,
		alerts:      alerts,
		scans:       scans,
		owners:      owners,
		resolver:    res,
		reconciler:  rec,
		coordinator: coord,
		detector:    det,
		auditor:     aud,
		shipcache:   shipcache,
		client:      client,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithProducer enables shipment.updated publication after reconciles.
func (e *Engine) WithProducer(p Producer, topic string) *Engine {
	e.producer, e.topic = p, topic
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// ApplyFresh reconciles one fetched payload and runs the post-reconcile
// hooks. All triggers funnel through here: interactive scans, the sync
// poller and webhook pushes.
func (e *Engine) ApplyFresh(ctx context.Context, payload market.ShipmentPayload, accountID, ownerID int64) (*models.Shipment, error) {
	sh, err := e.reconciler.Reconcile(ctx, payload, accountID, ownerID)
	if err != nil {
		return nil, err
	}
	e.shipcache.Refresh(ctx, sh)

	// The package leaving circulation ends the hand-carry lifecycle:
	// close the active assignment and resolve whatever was alerting.
	if sh.Status == models.ShipmentStatusDelivered || sh.Status == models.ShipmentStatusReturnedToSender {
		if _, err := e.coordinator.MarkReturned(ctx, sh.ShipmentID, ownerID); err != nil {
			slog.Error("close assignment on terminal status", "shipment_id", sh.ShipmentID, "error", err.Error())
		}
		if _, err := e.alerts.ResolvePendingAlerts(ctx, sh.ShipmentID, e.now()); err != nil {
			slog.Error("resolve alerts on terminal status", "shipment_id", sh.ShipmentID, "error", err.Error())
		}
	}

	e.publish(ctx, sh)
	return sh, nil
}

// ResolveAndAssign handles one driver scan end to end: decode, find the
// owning account, merge the fresh payload, claim the package.
func (e *Engine) ResolveAndAssign(ctx context.Context, ownerID, driverID int64, scannedCode string) (*ScanResult, error) {
	candidates, err := e.accounts.ListAccounts(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	payload, acc, strategy, err := e.resolver.Resolve(ctx, scannedCode, candidates)
	if err != nil {
		var nf *resolver.NotFoundError
		switch {
		case errors.Is(err, resolver.ErrInvalidCode):
			e.logScanMiss(ctx, driverID, ownerID, scannedCode, "", OutcomeInvalidCode)
			return &ScanResult{Outcome: OutcomeInvalidCode, Message: "code could not be read, rescan the label"}, nil
		case errors.As(err, &nf):
			e.logScanMiss(ctx, driverID, ownerID, scannedCode, strategy, OutcomeNotFound)
			return &ScanResult{
				Outcome:   OutcomeNotFound,
				Attempted: nf.Attempted,
				Message:   fmt.Sprintf("shipment not found in %d connected accounts, check the label", nf.Attempted),
			}, nil
		default:
			return nil, err
		}
	}

	sh, err := e.ApplyFresh(ctx, payload, acc.ID, ownerID)
	if err != nil {
		return nil, err
	}

	res, err := e.coordinator.Assign(ctx, driverID, sh.ShipmentID, acc.ID, ownerID, scannedCode, strategy)
	if err != nil {
		var conflict *assignments.ConflictError
		if errors.As(err, &conflict) {
			return &ScanResult{
				Outcome:  models.ScanOutcomeConflict,
				Shipment: sh,
				Holder:   conflict.Holder,
				Message:  conflict.Error(),
			}, nil
		}
		return nil, err
	}

	return &ScanResult{Outcome: res.Outcome, Shipment: sh, Assignment: res.Assignment}, nil
}

// RefreshShipment re-fetches one shipment. The account hint (0 = none)
// short-circuits the probe; otherwise the cached row's account is used,
// and an entirely unknown shipment is probed across all accounts.
func (e *Engine) RefreshShipment(ctx context.Context, ownerID, shipmentID, accountHint int64) (*RefreshResult, error) {
	accountID := accountHint
	if accountID == 0 {
		cached, err := e.shipcache.Get(ctx, shipmentID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			accountID = cached.AccountID
		}
	}

	if accountID == 0 {
		candidates, err := e.accounts.ListAccounts(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		payload, acc, _, err := e.resolver.Resolve(ctx, strconv.FormatInt(shipmentID, 10), candidates)
		if err != nil {
			var nf *resolver.NotFoundError
			if errors.As(err, &nf) {
				return &RefreshResult{Found: false}, nil
			}
			return nil, err
		}
		sh, err := e.ApplyFresh(ctx, payload, acc.ID, ownerID)
		if err != nil {
			return nil, err
		}
		return &RefreshResult{Found: true, Shipment: sh}, nil
	}

	payload, err := e.client.GetShipment(ctx, ownerID, accountID, shipmentID)
	if errors.Is(err, market.ErrNotFound) {
		return &RefreshResult{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	sh, err := e.ApplyFresh(ctx, payload, accountID, ownerID)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Found: true, Shipment: sh}, nil
}

// HandleWebhook routes one marketplace push notification through the
// same refresh path the poller uses.
func (e *Engine) HandleWebhook(ctx context.Context, ev messages.WebhookEvent) error {
	shipmentID := shipmentIDFromResource(ev.Resource)
	if shipmentID == 0 {
		slog.Warn("webhook with unusable resource", "resource", ev.Resource, "topic", ev.Topic)
		return nil
	}

	acc, err := e.accounts.GetAccountByExternalUserID(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if acc == nil {
		slog.Warn("webhook for unconnected seller", "user_id", ev.UserID)
		return nil
	}

	_, err = e.RefreshShipment(ctx, acc.OwnerID, shipmentID, acc.ID)
	return err
}

// MarkReturned confirms the package is back in stock.
func (e *Engine) MarkReturned(ctx context.Context, ownerID, shipmentID int64) (bool, error) {
	return e.coordinator.MarkReturned(ctx, shipmentID, ownerID)
}

func (e *Engine) CheckForProblems(ctx context.Context, ownerID int64) detector.Report {
	return e.detector.Run(ctx, ownerID)
}

// CheckAllOwners runs the detector for every owner with cached data and
// merges the reports. One owner's failure does not stop the rest.
func (e *Engine) CheckAllOwners(ctx context.Context) (detector.Report, error) {
	owners, err := e.owners.ListShipmentOwners(ctx)
	if err != nil {
		return detector.Report{}, err
	}

	total := detector.Report{Created: map[string]int{}}
	for _, ownerID := range owners {
		rep := e.detector.Run(ctx, ownerID)
		total.Checked += rep.Checked
		total.Errors += rep.Errors
		for k, v := range rep.Created {
			total.Created[k] += v
		}
	}
	return total, nil
}

func (e *Engine) Diagnose(ctx context.Context, ownerID int64) (alertaudit.Diagnosis, error) {
	return e.auditor.Diagnose(ctx, ownerID)
}

func (e *Engine) Cleanup(ctx context.Context, ownerID int64) (alertaudit.CleanupReport, error) {
	return e.auditor.Cleanup(ctx, ownerID)
}

func (e *Engine) publish(ctx context.Context, sh *models.Shipment) {
	if e.producer == nil || e.topic == "" {
		return
	}
	msg := messages.ShipmentUpdated{
		ShipmentID: sh.ShipmentID,
		AccountID:  sh.AccountID,
		OwnerID:    sh.OwnerID,
		Status:     sh.Status,
		CheckedAt:  sh.LastUpdateAt,
	}
	if sh.Substatus != nil {
		msg.Substatus = *sh.Substatus
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := []byte(strconv.FormatInt(sh.ShipmentID, 10))
	if err := e.producer.Publish(ctx, e.topic, key, b); err != nil {
		// Publication is advisory; the cache write already happened.
		slog.Error("publish shipment.updated", "shipment_id", sh.ShipmentID, "error", err.Error())
	}
}

func (e *Engine) logScanMiss(ctx context.Context, driverID, ownerID int64, code, strategy, outcome string) {
	if err := e.scans.AppendScan(ctx, &models.ScanEntry{
		DriverID:     driverID,
		ScannedCode:  code,
		ResolvedFrom: strategy,
		Outcome:      outcome,
		OwnerID:      ownerID,
		ScannedAt:    e.now(),
	}); err != nil {
		slog.Error("append scan log", "driver_id", driverID, "error", err.Error())
	}
}

func shipmentIDFromResource(resource string) int64 {
	// Resources look like "/shipments/43126253862".
	i := len(resource)
	for i > 0 && resource[i-1] >= '0' && resource[i-1] <= '9' {
		i--
	}
	if i == len(resource) {
		return 0
	}
	id, _ := strconv.ParseInt(resource[i:], 10, 64)
	return id
}
