// Command admin is the operator CLI for wallet/ledger inspection and
// manual balance adjustments, grounded on cmd/cli's cobra+godotenv
// convention (see warehouse.go's whInit/warehouseCmd shape) but talking
// directly to the embedded store rather than going over HTTP, the same
// split the teacher draws between walletserver (HTTP) and cmd/cli
// (direct-store CLI).
package main

import (
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vaultchat/internal/adminapi"
	"vaultchat/internal/store/pebblestore"
	"vaultchat/pkg/config"
)

var (
	adminOnce bool
	store     *pebblestore.Store
	svc       *adminapi.Service
)

func adminInit(cmd *cobra.Command, _ []string) error {
	if adminOnce {
		return nil
	}
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err = pebblestore.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	svc = adminapi.NewService(store, store, store, clock.New())
	adminOnce = true
	return nil
}

var rootCmd = &cobra.Command{
	Use:               "admin",
	Short:             "Operator CLI for vaultchat wallet, ledger, and epoch inspection",
	PersistentPreRunE: adminInit,
}

func main() {
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(epochCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
