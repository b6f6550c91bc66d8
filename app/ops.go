package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/usecase"
	db "escrowgo/utils/connector"

	"github.com/spf13/cobra"
)

func migrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openStore(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.MigratePostgres(cmd.Context(), pool, rt.logger, migrations)
		},
	}
}

// withPayments wires the service graph for a one-shot operator command on
// the payment named by the first argument.
func withPayments(rt *runtime, fn func(ctx context.Context, svc usecase.Payment, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, err := wire(cmd.Context(), rt.cfg, rt.logger)
		if err != nil {
			return err
		}
		defer d.close()
		return fn(cmd.Context(), d.payments, args[0])
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <payment-id>",
		Short: "Re-derive a payment's escrow state from the chain",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		report, err := svc.Reconcile(ctx, id)
		if report != nil {
			_ = printJSON(cmd.OutOrStdout(), report)
		}
		return err
	})
	return cmd
}

func approveCmd(rt *runtime) *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "approve <payment-id>",
		Short: "Record a party's approval for early release",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&party, "party", "", "approving party: payer or payee")
	_ = cmd.MarkFlagRequired("party")
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		if err := svc.RecordApproval(ctx, id, entity.Party(party)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s approval recorded for %s\n", party, id)
		return nil
	})
	return cmd
}

func disputeCmd(rt *runtime) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <payment-id>",
		Short: "Raise a dispute and freeze the escrow",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason stored with the dispute")
	_ = cmd.MarkFlagRequired("reason")
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		if err := svc.RaiseDispute(ctx, id, reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dispute raised for %s\n", id)
		return nil
	})
	return cmd
}

func resolveCmd(rt *runtime) *cobra.Command {
	var seller bool
	cmd := &cobra.Command{
		Use:   "resolve <payment-id>",
		Short: "Resolve a dispute; --seller releases, otherwise the buyer is refunded",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&seller, "seller", false, "resolve in favor of the seller")
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		hash, err := svc.ResolveDispute(ctx, id, seller)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dispute resolved in tx %s\n", hash)
		return nil
	})
	return cmd
}

func retryPayoutCmd(rt *runtime) *cobra.Command {
	var leg string
	cmd := &cobra.Command{
		Use:   "retry-payout <payment-id>",
		Short: "Open a new attempt for a rejected payout leg",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&leg, "leg", "", "leg to retry: immediate, redemption, payee or commission")
	_ = cmd.MarkFlagRequired("leg")
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		payout, err := svc.RetryPayout(ctx, id, entity.PayoutLeg(leg))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), payout)
	})
	return cmd
}

func eventsCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <payment-id>",
		Short: "Print a payment's event history",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withPayments(rt, func(ctx context.Context, svc usecase.Payment, id string) error {
		events, err := svc.GetPaymentEvents(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	})
	return cmd
}
