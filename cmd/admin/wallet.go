package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"vaultchat/internal/money"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect and adjust wallet state",
}

var walletGetCmd = &cobra.Command{
	Use:   "get <walletId>",
	Short: "Show a wallet's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := svc.Wallet(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(w)
	},
}

var walletLedgerCmd = &cobra.Command{
	Use:   "ledger <walletId> [limit]",
	Short: "Show a wallet's recent ledger entries",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := 0
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("parse limit: %w", err)
			}
			limit = n
		}
		entries, err := svc.WalletLedger(context.Background(), args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var walletAdjustCmd = &cobra.Command{
	Use:   "adjust <walletId> <deltaCents> <reason>",
	Short: "Apply a manual ledger adjustment to a wallet",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		deltaCents, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse deltaCents: %w", err)
		}
		entry, err := svc.AdjustBalance(context.Background(), args[0], money.FromCents(deltaCents), args[2])
		if err != nil {
			return err
		}
		return printJSON(entry)
	},
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func init() {
	walletCmd.AddCommand(walletGetCmd)
	walletCmd.AddCommand(walletLedgerCmd)
	walletCmd.AddCommand(walletAdjustCmd)
}
