package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	paymentsDemon "escrowgo/internal/server_demon"
	grpcserver "escrowgo/internal/transport/grpc"
	handlers "escrowgo/internal/transport/http"
	db "escrowgo/utils/connector"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd(rt *runtime) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeps with the ops HTTP and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before starting")
	return cmd
}

func serve(ctx context.Context, rt *runtime, migrate bool) error {
	cfg, logger := rt.cfg, rt.logger

	d, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if migrate {
		if err := db.MigratePostgres(ctx, d.pool, logger, migrations); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	if err := d.chain.Ping(ctx); err != nil {
		return fmt.Errorf("chain rpc unreachable: %w", err)
	}

	health, err := grpcserver.NewHealthServer(cfg.Server.GRPCPort, logger)
	if err != nil {
		return err
	}
	ops := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handlers.NewPaymentHandler(d.payments, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	demon := paymentsDemon.NewDaemon(cfg, d.deposits, d.escrows, d.custody, d.payouts, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Serve(ctx) })
	g.Go(func() error {
		logger.Info(fmt.Sprintf("Starting ops HTTP server on port %d", cfg.Server.Port))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		health.SetServing(true)
		demon.Run(ctx)
		health.SetServing(false)
		return nil
	})

	err = g.Wait()
	logger.Info("Payment daemon gracefully stopped.", zap.Error(err))
	return err
}
