package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"blindbox-exchange/internal/config"
	"blindbox-exchange/internal/httpx"
	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/postgres"
	"blindbox-exchange/internal/redisx"
	"blindbox-exchange/internal/reveal"
	"blindbox-exchange/internal/trading"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	pReveal := kafkax.NewProducer(cfg.KafkaBrokers, market.TopicItemRevealed, 1024, log)
	pReveal.Start(ctx)
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
		ServiceName:   cfg.ServiceName,
		HoldFor:       cfg.TradeLockTimeout,
	}

	router := httpx.NewRouter()
	router.Get("/readyz", httpx.Readiness(db, rdb))
	mh := &httpx.MarketHandler{Svc: svc, Redis: rdb, ListingTTL: cfg.ListingTTL}
	mh.Register(router)
	rh := &httpx.RevealHandler{
		Store:    store,
		Engine:   reveal.New(),
		Producer: pReveal,
		Redis:    rdb,
		Service:  cfg.ServiceName,
	}
	rh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pReveal.Close()
	pListing.Close()
	pTrade.Close()
	cancel()
	pReveal.WaitClosed()
	pListing.WaitClosed()
	pTrade.WaitClosed()
}
