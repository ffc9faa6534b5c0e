package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/routeo/packwatch/internal/api/engineapi"
	"github.com/routeo/packwatch/internal/broker/messages"
	"github.com/routeo/packwatch/internal/services/engine"
)

type packWatchAPIOpts struct {
	httpAddr      string
	webhookTopic  string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runPackWatchAPI(ctx context.Context, opts packWatchAPIOpts, eng *engine.Engine, consumer kafkaConsumer) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	go func() {
		slog.Info("kafka webhook consumer started", "topic", opts.webhookTopic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			var ev messages.WebhookEvent
			if err := json.Unmarshal(value, &ev); err != nil {
				return err
			}
			return eng.HandleWebhook(ctx, ev)
		})
	}()

	srv := &http.Server{Handler: engineapi.New(eng).Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
