package main

import (
	"fmt"
	"os"

	"escrowgo/internal/config"
	log "escrowgo/utils/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

// runtime holds what every command needs after flags are parsed.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	rt := &runtime{}
	rootCmd := &cobra.Command{
		Use:           "escrowd",
		Short:         "Escrow payment automation daemon and operator tools",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; real deployments set the environment.
			_ = godotenv.Load()
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rt.cfg = cfg
			rt.logger = log.NewLogger(cfg)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	rootCmd.AddCommand(serveCmd(rt))
	rootCmd.AddCommand(migrateCmd(rt))
	rootCmd.AddCommand(reconcileCmd(rt))
	rootCmd.AddCommand(approveCmd(rt))
	rootCmd.AddCommand(disputeCmd(rt))
	rootCmd.AddCommand(resolveCmd(rt))
	rootCmd.AddCommand(retryPayoutCmd(rt))
	rootCmd.AddCommand(eventsCmd(rt))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
