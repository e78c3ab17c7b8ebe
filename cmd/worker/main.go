package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/logging"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/reaper"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/review"
	"github.com/ariefcatur/go-order-fulfillment/internal/tracing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// deps is what both commands share.
type deps struct {
	cfg   config.Config
	log   *zap.Logger
	db    *pgxpool.Pool
	rdb   *redis.Client
	prod  *kafkax.Producer
	mgr   *orders.Manager
	close func()
}

func setup(ctx context.Context, component string) (*deps, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	service := cfg.ServiceName + "-" + component
	log, err := logging.New(service, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	shutdownTracing, err := tracing.Setup(ctx, service, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "db connect")
	}
	rdb := redisx.New(cfg.RedisAddr)

	prodCtx, cancelProd := context.WithCancel(context.Background())
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(prodCtx)

	mgr := &orders.Manager{
		Ledger:   &ledger.Postgres{DB: db},
		Store:    &orders.Repo{DB: db},
		Verifier: payment.NewGateway(cfg.VerifierURL, cfg.VerifierTimeout, cfg.VerifierRetries, log),
		Events:   &events.KafkaPublisher{Producer: prod, Service: service, Log: log},
		Cache:    &redisx.Cache{RDB: rdb, Log: log},
		Log:      log,

		AsyncVerification: cfg.VerifyAsync,
	}
	d := &deps{cfg: cfg, log: log, db: db, rdb: rdb, prod: prod, mgr: mgr}
	d.close = func() {
		prod.Close()
		prod.WaitClosed()
		cancelProd()
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
		_ = rdb.Close()
		db.Close()
		_ = log.Sync()
	}
	return d, nil
}

func runReaper(c *cli.Context) error {
	d, err := setup(c.Context, "reaper")
	if err != nil {
		return err
	}
	defer d.close()

	interval := d.cfg.ReaperInterval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
		if err := config.CheckReaperInterval(interval, d.cfg.ReaperIntervalOverride); err != nil {
			return errors.Wrap(err, "--interval")
		}
	}
	r := &reaper.Reaper{
		Orders:      d.mgr,
		Store:       d.mgr.Store,
		Lease:       &redisx.Lease{RDB: d.rdb, Owner: uuid.NewString()},
		Interval:    interval,
		Batch:       d.cfg.ReaperBatch,
		SettleGrace: d.cfg.SettleGrace,
		OrphanGrace: d.cfg.OrphanGrace,
		ReviewStall: d.cfg.ReviewStall,
		Log:         d.log,
	}
	if c.Bool("once") {
		st, err := r.Sweep(c.Context)
		d.log.Info("sweep finished", zap.Int("expired", st.Expired), zap.Int("settled", st.Settled),
			zap.Int("requeued", st.Requeued), zap.Int("orphans", st.Orphans), zap.Int("failed", st.Failed))
		return err
	}
	d.log.Info("reaper started", zap.Duration("interval", interval))
	return r.Run(c.Context)
}

func runVerifier(c *cli.Context) error {
	d, err := setup(c.Context, "verifier")
	if err != nil {
		return err
	}
	defer d.close()

	svc := &review.Service{
		Orders: d.mgr,
		Dedup:  &redisx.Dedup{RDB: d.rdb, Service: "verifier"},
		Log:    d.log,
	}
	topic := events.Topic(events.SlipSubmitted)
	workers := d.cfg.ConsumerWorkers
	if c.IsSet("workers") {
		workers = c.Int("workers")
	}
	cons := kafkax.NewConsumer(d.cfg.KafkaBrokers, d.cfg.ConsumerGroup, topic, workers, d.log)

	d.log.Info("verifier consumer started",
		zap.String("group", d.cfg.ConsumerGroup), zap.String("topic", topic), zap.Int("workers", workers))
	return cons.Start(c.Context, svc.HandleSlipSubmitted)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "worker",
		Usage: "background processes for the order fulfillment engine",
		Commands: []*cli.Command{
			{
				Name:  "reaper",
				Usage: "expire unpaid orders, re-drive settlement and stalled reviews, release orphaned stock",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "interval", Usage: "sweep interval (overrides REAPER_INTERVAL, same 30s-60s bound)"},
					&cli.BoolFlag{Name: "once", Usage: "run a single sweep and exit"},
				},
				Action: runReaper,
			},
			{
				Name:  "verifier",
				Usage: "review submitted payment slips from the SlipSubmitted topic",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "workers", Usage: "handler goroutines (overrides CONSUMER_WORKERS)"},
				},
				Action: runVerifier,
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}
