package main

import (
	"context"
	"fmt"

	"escrowgo/internal/cmd/evm"
	"escrowgo/internal/cmd/juno"
	"escrowgo/internal/config"
	"escrowgo/internal/notify"
	"escrowgo/internal/repository/postgres"
	"escrowgo/internal/repository/rediscache"
	"escrowgo/internal/usecase/service"
	db "escrowgo/utils/connector"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// deps is the fully wired object graph. close releases everything opened.
type deps struct {
	pool       *pgxpool.Pool
	rdb        *redis.Client
	chain      *evm.Gateway
	cache      *rediscache.Store
	deposits   *service.DepositWatcher
	escrows    *service.EscrowGateway
	custody    *service.CustodyScheduler
	payouts    *service.PayoutGateway
	reconciler *service.Reconciler
	payments   *service.PaymentService
	closers    []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := db.NewPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return pool, nil
}

func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.pool, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() {
		d.pool.Close()
		logger.Info("Database connection closed")
	})

	if d.rdb, err = db.InitRedis(ctx, cfg, logger); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = d.rdb.Close() })

	var secrets *db.SecretsClient
	awsCfg, awsErr := db.LoadAWSConfig(ctx)
	if cfg.AWS.SecretsEnabled {
		if awsErr != nil {
			return nil, awsErr
		}
		secrets = db.NewSecretsClient(awsCfg)
	}
	creds, err := db.ResolveCredentials(ctx, cfg, secrets, logger)
	if err != nil {
		return nil, err
	}

	if d.chain, err = evm.Dial(ctx, cfg, creds.BridgeKey, logger); err != nil {
		return nil, err
	}
	rail := juno.New(cfg, creds.APISecret, logger)

	var sinks notify.Fanout
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		d.closers = append(d.closers, func() { _ = kp.Close() })
		sinks = append(sinks, kp)
	}
	if cfg.AWS.AlertTopicARN != "" {
		if awsErr != nil {
			return nil, awsErr
		}
		sinks = append(sinks, notify.NewSNSAlerter(awsCfg, cfg.AWS.AlertTopicARN))
	}
	var sink notify.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	repo := postgres.NewLedgerRepository(d.pool, d.rdb, logger)
	d.cache = rediscache.New(d.rdb, logger)
	rec := service.NewRecorder(repo, sink, logger)

	d.deposits = service.NewDepositWatcher(cfg, repo, rail, d.cache, rec, logger)
	d.escrows = service.NewEscrowGateway(cfg, repo, d.chain, d.cache, rec, logger)
	d.custody = service.NewCustodyScheduler(cfg, repo, d.escrows, logger)
	bridge := service.NewBridgeSettlement(cfg, repo, d.chain, d.cache, rec, logger)
	d.payouts = service.NewPayoutGateway(cfg, repo, rail, bridge, rec, logger)
	d.reconciler = service.NewReconciler(repo, d.chain, rec, logger)
	d.payments = service.NewPaymentService(repo, d.escrows, d.payouts, d.reconciler, rec, logger)
	return d, nil
}
