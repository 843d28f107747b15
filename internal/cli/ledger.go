package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lantern-network/lantern/internal/domain"
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerMintCmd)
	ledgerCmd.AddCommand(ledgerBalanceCmd)
	ledgerCmd.AddCommand(ledgerExpireCmd)
	ledgerCmd.AddCommand(ledgerReconcileCmd)
	ledgerCmd.AddCommand(ledgerSettleCmd)

	ledgerMintCmd.Flags().Int64("amount", 0, "amount to mint, in micro-USD")
	ledgerMintCmd.Flags().String("expires", "", "lot expiry (RFC3339, empty = never)")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and operate the credit ledger",
}

// ─── ledger mint ────────────────────────────────────────────────────────────

var ledgerMintCmd = &cobra.Command{
	Use:   "mint ACCOUNT_ID",
	Short: "Mint a credit lot for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerMint,
}

func runLedgerMint(cmd *cobra.Command, args []string) error {
	amount, _ := cmd.Flags().GetInt64("amount")
	if amount <= 0 {
		return fmt.Errorf("--amount must be a positive micro-USD integer")
	}
	var expiresAt time.Time
	if s, _ := cmd.Flags().GetString("expires"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse --expires: %w", err)
		}
		expiresAt = t
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	lot, err := d.DB.Mint(context.Background(), args[0], domain.MicroUSD(amount), expiresAt)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Minted lot %s: %s for %s\n", lot.LotID, lot.Original.String(), lot.AccountID)
	return nil
}

// ─── ledger balance ─────────────────────────────────────────────────────────

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's aggregate lot position",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerBalance,
}

func runLedgerBalance(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	bal, err := d.DB.AccountBalance(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Account %s\n", args[0])
	fmt.Fprintf(os.Stdout, "  available: %s\n", bal.Available.String())
	fmt.Fprintf(os.Stdout, "  reserved:  %s\n", bal.Reserved.String())
	fmt.Fprintf(os.Stdout, "  consumed:  %s\n", bal.Consumed.String())
	fmt.Fprintf(os.Stdout, "  expired:   %s\n", bal.Expired.String())

	withdrawable, err := d.DB.WithdrawableBalance(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "  withdrawable: %s\n", withdrawable.String())
	return nil
}

// ─── ledger expire ──────────────────────────────────────────────────────────

var ledgerExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Lapse all overdue lots now",
	RunE:  runLedgerExpire,
}

func runLedgerExpire(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	expired, err := d.DB.ExpireLots(context.Background(), time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Expired %s of overdue credit.\n", expired.String())
	return nil
}

// ─── ledger settle ──────────────────────────────────────────────────────────

var ledgerSettleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle all earnings past their hold window now",
	RunE:  runLedgerSettle,
}

func runLedgerSettle(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	settled, err := d.Settlement.ProcessEligible(context.Background(), 100)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Settled %d earnings.\n", settled)
	return nil
}

// ─── ledger reconcile ───────────────────────────────────────────────────────

var ledgerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a reconciliation pass and print the report",
	RunE:  runLedgerReconcile,
}

func runLedgerReconcile(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.Reconciler.RunOnce(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Reconciliation at %s\n", report.RanAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "  drift threshold:     %s\n", report.Threshold.String())
	fmt.Fprintf(os.Stdout, "  lot violations:      %d\n", len(report.LotViolations))
	fmt.Fprintf(os.Stdout, "  receivable breaks:   %d\n", len(report.ReceivableBreaks))
	fmt.Fprintf(os.Stdout, "  platform conserved:  %v\n", report.PlatformConserved)
	fmt.Fprintf(os.Stdout, "  reservations synced: %v\n", report.ReservationsSynced)
	fmt.Fprintf(os.Stdout, "  alarms:              %d\n", len(report.Alarms))
	for _, a := range report.Alarms {
		fmt.Fprintf(os.Stdout, "    %s agent=%s window=%s expected=%s actual=%s\n",
			a.Kind, a.AgentID, a.WindowID, a.Expected.String(), a.Actual.String())
	}
	if report.Clean() {
		fmt.Fprintln(os.Stdout, "Books are clean.")
	}
	return nil
}
