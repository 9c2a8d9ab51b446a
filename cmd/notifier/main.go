package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blindbox-exchange/internal/config"
	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/notifier"
	"blindbox-exchange/internal/redisx"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notifier.Service{
		Redis:       rdb,
		Dispatch:    notifier.LogDispatcher{Log: log},
		Log:         log,
		ServiceName: cfg.ServiceName + "-notifier",
	}

	// one consumer per topic, same group
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range []string{market.TopicTradeEvents, market.TopicListingEvents} {
		topic := topic
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, topic, cfg.NotifierWorkers, log)
		g.Go(func() error {
			log.Info("notifier consumer started",
				zap.String("group", cfg.NotifierGroup), zap.String("topic", topic),
				zap.Int("workers", cfg.NotifierWorkers))
			return cons.Start(ctx, svc.HandleEvent)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("consumer exit", zap.Error(err))
	}
	log.Info("notifier stopped")
}
