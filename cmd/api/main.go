package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/logging"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/procurement"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/tracing"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing setup", zap.Error(err))
	}

	// DB
	if err := postgres.Migrate(cfg.PostgresDSN, log); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.Cache{RDB: rdb, Log: log}

	// Kafka producer; the context is not the signal context so buffered
	// events still flush during shutdown.
	prodCtx, cancelProd := context.WithCancel(context.Background())
	defer cancelProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(prodCtx)
	pub := &events.KafkaPublisher{Producer: prod, Service: cfg.ServiceName, Log: log}

	stock := &ledger.Postgres{DB: db}
	mgr := &orders.Manager{
		Ledger:            stock,
		Store:             &orders.Repo{DB: db},
		Verifier:          payment.NewGateway(cfg.VerifierURL, cfg.VerifierTimeout, cfg.VerifierRetries, log),
		Events:            pub,
		Cache:             cache,
		Log:               log,
		AsyncVerification: cfg.VerifyAsync,
	}
	rec := &procurement.Reconciler{
		Store:  &procurement.Repo{DB: db},
		Ledger: stock,
		Events: pub,
		Log:    log,
	}

	router := httpx.NewRouter(log)
	(&httpx.OrdersHandler{Orders: mgr, Cache: cache, Log: log}).Register(router)
	(&httpx.VariantsHandler{Catalog: stock, Log: log}).Register(router)
	(&httpx.ProcurementHandler{Reconciler: rec, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("verify_async", cfg.VerifyAsync))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	prod.Close() // close inbox -> flush & close writer
	prod.WaitClosed()
	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
