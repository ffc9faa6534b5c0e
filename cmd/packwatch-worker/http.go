package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/routeo/packwatch/config"
	"github.com/routeo/packwatch/internal/services/syncer"
	"github.com/routeo/packwatch/internal/storage/pgstore"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	syncer *syncer.Syncer
	store  *pgstore.Storage
	cfg    *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.syncer == nil {
			_, _ = w.Write([]byte(`{"error":"syncer not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.syncer.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational worker settings.
		out := map[string]any{
			"syncIntervalSeconds":   opts.cfg.PackWatch.WorkerSyncIntervalSeconds,
			"accountConcurrency":    opts.cfg.PackWatch.WorkerAccountConcurrency,
			"perCallDelayMillis":    opts.cfg.PackWatch.WorkerPerCallDelayMillis,
			"rateLimitPerMinute":    opts.cfg.PackWatch.WorkerRateLimitPerMinute,
			"syncWindowHours":       opts.cfg.PackWatch.WorkerSyncWindowHours,
			"problemCheckSchedule":  opts.cfg.PackWatch.ProblemCheckSchedule,
			"alertCleanupSchedule":  opts.cfg.PackWatch.AlertCleanupSchedule,
			"stuckAfterHours":       opts.cfg.PackWatch.StuckAfterHours,
			"readyUnshippedHours":   opts.cfg.PackWatch.ReadyUnshippedHours,
			"notReturnedAfterHours": opts.cfg.PackWatch.NotReturnedAfterHours,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.syncer == nil {
			_, _ = w.Write([]byte(`{"error":"syncer not wired"}`))
			return
		}
		opts.syncer.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	// Manual one-account sync, mainly for support tooling.
	r.Post("/accounts/{accountID}/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.syncer == nil || opts.store == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"syncer not wired"}`))
			return
		}

		accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
		if err != nil || accountID <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"accountID must be a positive integer"}`))
			return
		}
		ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
		if err != nil || ownerID <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"owner_id query param is required"}`))
			return
		}

		acc, err := opts.store.GetAccount(r.Context(), ownerID, accountID)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"account lookup failed"}`))
			return
		}
		if acc == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"account not found"}`))
			return
		}

		window := time.Duration(opts.cfg.PackWatch.WorkerSyncWindowHours) * time.Hour
		if window <= 0 {
			window = 48 * time.Hour
		}
		rep := opts.syncer.SyncAccount(r.Context(), acc, time.Now().UTC().Add(-window))
		_ = json.NewEncoder(w).Encode(rep)
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
