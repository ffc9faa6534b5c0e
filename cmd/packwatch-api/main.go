package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"github.com/routeo/packwatch/internal/services/tokens"
	"github.com/routeo/packwatch/internal/storage/pgstore"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	httpAddr := cfg.PackWatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.PackWatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "packwatch-api"
	}
	updatedTopic := cfg.Kafka.ShipmentUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "shipment.updated"
	}
	webhookTopic := cfg.Kafka.WebhookTopicName
	if webhookTopic == "" {
		webhookTopic = "market.webhooks"
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

	consumer := kafka.NewConsumer(brokers, webhookTopic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runPackWatchAPI(ctx, packWatchAPIOpts{
		httpAddr:      httpAddr,
		webhookTopic:  webhookTopic,
		consumerGroup: consumerGroup,
	}, eng, consumer); err != nil && err != context.Canceled {
		panic(err)
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
