package ledgerctl

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/canopy-network/custodyx/app/custodian"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "ledger schema is up to date (%s backend)\n", c.v.GetString("LEDGER_BACKEND"))
			return nil
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle transfer intents left open by a crash or a failed commit",
		Long: `Looks up the receipt of every submitted intent. Confirmed transfers are committed,
reverted ones release their reservation. Pending intents without a transaction hash are
reported for manual review and keep their funds held.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			client, err := c.deps.DialChain(ctx, c.logger)
			if err != nil {
				return fmt.Errorf("connect to chain: %w", err)
			}
			engine, err := custodian.NewEngine(store, client, nil, nil, c.logger)
			if err != nil {
				return err
			}

			report, err := transfer.NewReconciler(engine, client, c.v.GetInt("RECONCILE_WORKERS"), c.logger).Run(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tSENDER\tAMOUNT\tTX\tRECEIPT\tOUTCOME")
			for _, ir := range report.Intents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ir.Intent.ID, ir.Intent.Sender, ir.Intent.Amount, orDash(ir.Intent.TxHash), ir.Status, ir.Outcome)
				if ir.Err != nil {
					c.logger.Warn("Intent not settled", zap.String("intent", ir.Intent.ID), zap.Error(ir.Err))
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d open: %d committed, %d released, %d in flight, %d need review, %d errors\n",
				len(report.Intents),
				report.Count(transfer.OutcomeCommitted),
				report.Count(transfer.OutcomeReleased),
				report.Count(transfer.OutcomeInFlight),
				report.Count(transfer.OutcomeNeedsReview),
				report.Count(transfer.OutcomeError))
			if n := report.Count(transfer.OutcomeError); n > 0 {
				return fmt.Errorf("%d intents could not be reconciled", n)
			}
			return nil
		},
	}
}

func (c *cli) intentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intents",
		Short: "List open transfer intents and the funds they hold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			open, err := store.ListOpenIntents(cmd.Context())
			if err != nil {
				return err
			}
			if len(open) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open intents.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tSTATUS\tSENDER\tRECEIVER\tAMOUNT\tTX\tCREATED")
			for _, in := range open {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					in.ID, in.Status, in.Sender, in.Receiver, in.Amount, orDash(in.TxHash), in.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
}

func (c *cli) feeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee",
		Short: "Print the fixed on-chain cost of one transfer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			denom, err := c.denomination()
			if err != nil {
				return err
			}
			cost := chain.TransferCost()
			fmt.Fprintf(cmd.OutOrStdout(), "gas limit:  %d\ngas price:  %d\ncost:       %s (native)\ncost units: %s\n",
				chain.GasLimit, chain.GasPriceWei, cost, denom.FromNative(cost))
			return nil
		},
	}
}

func (c *cli) accountCmd() *cobra.Command {
	account := &cobra.Command{
		Use:   "account",
		Short: "Inspect ledger accounts",
	}
	account.AddCommand(&cobra.Command{
		Use:   "show <identity>",
		Short: "Show an account's balance and transfer history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			acct, err := store.GetAccount(cmd.Context(), args[0])
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("no account %q", args[0])
			}
			if err != nil {
				return err
			}
			records, err := store.ListTransfersFor(cmd.Context(), acct.Identity)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:  %s\naddress:   %s\nbalance:   %s\nreserved:  %s\navailable: %s\n",
				acct.Identity, acct.ChainAddress, acct.Balance, acct.Reserved, acct.Available())
			if len(records) == 0 {
				fmt.Fprintln(out, "No transfers.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tCOUNTERPARTY\tAMOUNT\tTX\tTIME")
			for _, r := range records {
				direction, counterparty := "out", r.Receiver
				if r.Sender != acct.Identity {
					direction, counterparty = "in", r.Sender
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, direction, counterparty, r.Amount, r.TxHash, r.Timestamp.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	})
	return account
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
