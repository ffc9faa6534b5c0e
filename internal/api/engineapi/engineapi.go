package engineapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/routeo/packwatch/internal/broker/messages"
	"github.com/routeo/packwatch/internal/services/alertaudit"
	"github.com/routeo/packwatch/internal/services/detector"
	"github.com/routeo/packwatch/internal/services/engine"
)

// Core is the slice of the engine the HTTP layer needs.
type Core interface {
	ResolveAndAssign(ctx context.Context, ownerID, driverID int64, scannedCode string) (*engine.ScanResult, error)
	RefreshShipment(ctx context.Context, ownerID, shipmentID, accountHint int64) (*engine.RefreshResult, error)
	MarkReturned(ctx context.Context, ownerID, shipmentID int64) (bool, error)
	HandleWebhook(ctx context.Context, ev messages.WebhookEvent) error
	CheckForProblems(ctx context.Context, ownerID int64) detector.Report
	Diagnose(ctx context.Context, ownerID int64) (alertaudit.Diagnosis, error)
	Cleanup(ctx context.Context, ownerID int64) (alertaudit.CleanupReport, error)
}

type API struct {
	core Core
}

func New(core Core) *API {
	return &API{core: core}
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/scan", a.handleScan)
	r.Post("/shipments/{shipmentID}/refresh", a.handleRefresh)
	r.Post("/shipments/{shipmentID}/return", a.handleReturn)
	r.Post("/webhooks/market", a.handleWebhook)
	r.Post("/problems/check", a.handleProblemCheck)
	r.Get("/alerts/diagnose", a.handleDiagnose)
	r.Post("/alerts/cleanup", a.handleCleanup)

	return r
}

type scanRequest struct {
	OwnerID  int64  `json:"owner_id"`
	DriverID int64  `json:"driver_id"`
	Code     string `json:"code"`
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.OwnerID == 0 || req.DriverID == 0 || req.Code == "" {
		writeError(w, http.StatusBadRequest, "owner_id, driver_id and code are required")
		return
	}

	res, err := a.core.ResolveAndAssign(r.Context(), req.OwnerID, req.DriverID, req.Code)
	if err != nil {
		slog.Error("scan failed", "owner_id", req.OwnerID, "driver_id", req.DriverID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	// Conflicts and misses are ordinary answers, not HTTP errors.
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	ownerID, ok := queryOwner(w, r)
	if !ok {
		return
	}
	accountHint, _ := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)

	res, err := a.core.RefreshShipment(r.Context(), ownerID, shipmentID, accountHint)
	if err != nil {
		slog.Error("refresh failed", "shipment_id", shipmentID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	if !res.Found {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	ownerID, ok := queryOwner(w, r)
	if !ok {
		return
	}

	closed, err := a.core.MarkReturned(r.Context(), ownerID, shipmentID)
	if err != nil {
		slog.Error("mark returned failed", "shipment_id", shipmentID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "mark returned failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev messages.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := a.core.HandleWebhook(r.Context(), ev); err != nil {
		slog.Error("webhook failed", "resource", ev.Resource, "user_id", ev.UserID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (a *API) handleProblemCheck(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := queryOwner(w, r)
	if !ok {
		return
	}
	rep := a.core.CheckForProblems(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := queryOwner(w, r)
	if !ok {
		return
	}
	diag, err := a.core.Diagnose(r.Context(), ownerID)
	if err != nil {
		slog.Error("diagnose failed", "owner_id", ownerID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "diagnose failed")
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := queryOwner(w, r)
	if !ok {
		return
	}
	rep, err := a.core.Cleanup(r.Context(), ownerID)
	if err != nil {
		slog.Error("cleanup failed", "owner_id", ownerID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryOwner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		writeError(w, http.StatusBadRequest, "owner_id query param is required")
		return 0, false
	}
	return ownerID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
