package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/routeo/packwatch/config"
	"github.com/routeo/packwatch/internal/broker/kafka"
	"github.com/routeo/packwatch/internal/cache/rediscache"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/integrations/market/fake"
	"github.com/routeo/packwatch/internal/integrations/market/melihttp"
	"github.com/routeo/packwatch/internal/services/alertaudit"
	"github.com/routeo/packwatch/internal/services/assignments"
	"github.com/routeo/packwatch/internal/services/detector"
	"github.com/routeo/packwatch/internal/services/engine"
	"github.com/routeo/packwatch/internal/services/reconciler"
	"github.com/routeo/packwatch/internal/services/resolver"
	"github.com/routeo/packwatch/internal/services/shipments"
	"github.com/routeo/packwatch/internal/services/syncer"
	"github.com/routeo/packwatch/internal/services/tokens"
	"github.com/routeo/packwatch/internal/storage/pgstore"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	updatedTopic := cfg.Kafka.ShipmentUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "shipment.updated"
	}

	syncInterval := time.Duration(cfg.PackWatch.WorkerSyncIntervalSeconds) * time.Second
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	concurrency := cfg.PackWatch.WorkerAccountConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	perCallDelay := time.Duration(cfg.PackWatch.WorkerPerCallDelayMillis) * time.Millisecond
	if perCallDelay <= 0 {
		perCallDelay = 100 * time.Millisecond
	}
	rlPerMin := int64(cfg.PackWatch.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}
	window := time.Duration(cfg.PackWatch.WorkerSyncWindowHours) * time.Hour
	if window <= 0 {
		window = 48 * time.Hour
	}
	cacheTTL := time.Duration(cfg.PackWatch.CurrentShipmentTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgstore.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	client, refresher := buildMarketClient(cfg)
	tokensManager := tokens.NewManager(st, refresher)
	if mc, ok := client.(*melihttp.Client); ok {
		mc.WithTokenSource(tokensManager)
	}

	eng := engine.New(
		st, st, st, st,
		resolver.New(client),
		reconciler.New(st),
		assignments.New(st),
		detector.New(st, detector.Thresholds{
			StuckAfter:          time.Duration(cfg.PackWatch.StuckAfterHours) * time.Hour,
			ReadyUnshippedAfter: time.Duration(cfg.PackWatch.ReadyUnshippedHours) * time.Hour,
			NotReturnedAfter:    time.Duration(cfg.PackWatch.NotReturnedAfterHours) * time.Hour,
		}),
		alertaudit.New(st),
		shipments.New(st, rc, cacheTTL),
		client,
	)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	eng.WithProducer(producer, updatedTopic)

	s := syncer.New(st, client, eng, rl).
		WithSettings(syncInterval, concurrency, perCallDelay, rlPerMin, window)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := cron.New()
	scheduleJob(c, cfg.PackWatch.ProblemCheckSchedule, "@every 1h", "problem check", func() {
		rep, err := eng.CheckAllOwners(ctx)
		if err != nil {
			slog.Error("problem check failed", "error", err.Error())
			return
		}
		slog.Info("problem check done", "checked", rep.Checked, "created", rep.Created, "errors", rep.Errors)
	})
	scheduleJob(c, cfg.PackWatch.AlertCleanupSchedule, "@daily", "alert cleanup", func() {
		owners, err := st.ListShipmentOwners(ctx)
		if err != nil {
			slog.Error("alert cleanup failed", "error", err.Error())
			return
		}
		for _, ownerID := range owners {
			rep, err := eng.Cleanup(ctx, ownerID)
			if err != nil {
				slog.Error("alert cleanup failed", "owner_id", ownerID, "error", err.Error())
				continue
			}
			slog.Info("alert cleanup done", "owner_id", ownerID,
				"orphans_removed", rep.OrphansRemoved,
				"duplicates_removed", rep.DuplicatesRemoved,
				"auto_resolved", rep.AutoResolved)
		}
	})
	c.Start()
	defer c.Stop()

	go func() {
		if err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.PackWatch.WorkerHTTPAddr,
			syncer:   s,
			store:    st,
			cfg:      cfg,
		}); err != nil && err != context.Canceled {
			slog.Error("worker http server stopped", "error", err.Error())
		}
	}()

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}

func scheduleJob(c *cron.Cron, spec, fallback, name string, job func()) {
	if spec == "" {
		spec = fallback
	}
	if _, err := c.AddFunc(spec, job); err != nil {
		panic(fmt.Sprintf("bad cron spec for %s job (%q): %v", name, spec, err))
	}
}

func buildMarketClient(cfg *config.Config) (market.API, market.Refresher) {
	if cfg.Market.Mode == "http" && cfg.Market.BaseURL != "" {
		c := melihttp.New(cfg.Market.BaseURL, cfg.Market.TokenURL, cfg.Market.ClientID, cfg.Market.ClientSecret)
		return c, c
	}
	f := fake.New()
	return f, f
}
