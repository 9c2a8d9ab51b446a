package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"blindbox-exchange/internal/config"
	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/postgres"
	"blindbox-exchange/internal/sweeper"
	"blindbox-exchange/internal/trading"
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

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	pListing := kafkax.NewProducer(cfg.KafkaBrokers, market.TopicListingEvents, 1024, log)
	pListing.Start(ctx)
	pTrade := kafkax.NewProducer(cfg.KafkaBrokers, market.TopicTradeEvents, 1024, log)
	pTrade.Start(ctx)

	store := &market.PGStore{DB: db}
	svc := &trading.Service{
		Store:         store,
		ListingEvents: pListing,
		TradeEvents:   pTrade,
		Log:           log,
		ServiceName:   cfg.ServiceName + "-sweeper",
		HoldFor:       cfg.TradeLockTimeout,
	}

	sw := &sweeper.Sweeper{
		Store:         store,
		Trades:        svc,
		ListingEvents: pListing,
		Log:           log,
		ServiceName:   cfg.ServiceName + "-sweeper",
		Cfg: sweeper.Config{
			TradeTimeout:    cfg.TradeLockTimeout,
			TradeInterval:   cfg.TradeSweepInterval,
			HoldInterval:    cfg.HoldSweepInterval,
			ListingInterval: cfg.ListingSweepInterval,
			AuditHour:       cfg.AuditHour,
			AuditTimezone:   cfg.AuditTimezone,
			AuditFallbackTZ: cfg.AuditFallbackTZ,
			AuditRetention:  cfg.AuditRetention,
		},
	}

	log.Info("sweeper started",
		zap.Duration("trade_timeout", cfg.TradeLockTimeout),
		zap.Duration("hold_interval", cfg.HoldSweepInterval),
		zap.Int("audit_hour", cfg.AuditHour),
		zap.String("audit_tz", cfg.AuditTimezone))

	// catch up immediately, then run on the configured cadences
	sw.RunOnce(ctx)
	if err := sw.Run(ctx); err != nil {
		log.Error("sweeper exit", zap.Error(err))
	}

	pListing.Close()
	pTrade.Close()
	pListing.WaitClosed()
	pTrade.WaitClosed()
	log.Info("sweeper stopped")
}
