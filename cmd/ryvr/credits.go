package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schuttebj/ryvr-sub001/internal/models"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage account credits",
}

var creditsTopupCmd = &cobra.Command{
	Use:   "topup [account-id]",
	Short: "Add credits to an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsTopup,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance [account-id]",
	Short: "Show an account's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var creditsLedgerCmd = &cobra.Command{
	Use:   "ledger [account-id]",
	Short: "Show an account's credit ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsLedger,
}

var topupAmount int

func init() {
	creditsCmd.AddCommand(creditsTopupCmd, creditsBalanceCmd, creditsLedgerCmd)

	creditsTopupCmd.Flags().IntVar(&topupAmount, "amount", 0, "Credits to add (required)")
	creditsTopupCmd.MarkFlagRequired("amount")
}

func runCreditsTopup(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"account_id": args[0],
		"amount":     topupAmount,
	}
	resp, err := apiPost("/credits/topup", body)
	if err != nil {
		return err
	}

	var entry models.CreditLedgerEntry
	if err := json.Unmarshal(resp, &entry); err != nil {
		return err
	}
	fmt.Printf("Credited %d to %s\n", entry.Delta, entry.AccountID)
	return nil
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/credits/" + args[0] + "/balance")
	if err != nil {
		return err
	}

	var result struct {
		AccountID string `json:"account_id"`
		Balance   int    `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("%s: %d credits\n", result.AccountID, result.Balance)
	return nil
}

func runCreditsLedger(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/credits/" + args[0] + "/ledger")
	if err != nil {
		return err
	}

	var entries []models.CreditLedgerEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tDELTA\tREF")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.Delta, e.RefTaskID)
	}
	return w.Flush()
}
