// Package adminapi implements the operator surface spec.md's end-user
// API leaves implicit: ledger inspection, manual balance adjustment, and
// epoch history inspection for incident response. Grounded on
// `walletserver/services/wallet_service.go`'s thin service-over-store
// shape: a service struct holding the store ports it needs, no business
// rules beyond what an operator action itself requires.
package adminapi

import (
	"context"
	"fmt"

	"vaultchat/internal/domain"
	"vaultchat/internal/idgen"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
)

// Service bundles the store ports an operator surface reads and writes
// directly, bypassing internal/wallet and internal/epoch's end-user
// business rules (free-tier renewal, reservation math, rotation
// wrap-set validation) since operator actions are a different contract:
// a human fixing a specific account's state, not a client request.
type Service struct {
	wallets ports.WalletStore
	ledger  ports.LedgerStore
	epochs  ports.EpochStore
	clock   ports.Clock
}

// NewService constructs an adminapi Service.
func NewService(wallets ports.WalletStore, ledger ports.LedgerStore, epochs ports.EpochStore, clock ports.Clock) *Service {
	return &Service{wallets: wallets, ledger: ledger, epochs: epochs, clock: clock}
}

// WalletLedger returns walletID's most recent ledger entries, newest
// first, for support/incident inspection.
func (s *Service) WalletLedger(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.ledger.EntriesByWallet(ctx, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("adminapi: wallet ledger: %w", err)
	}
	return entries, nil
}

// Wallet returns a wallet's current state.
func (s *Service) Wallet(ctx context.Context, walletID string) (domain.Wallet, error) {
	w, err := s.wallets.Wallet(ctx, walletID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("adminapi: wallet: %w", err)
	}
	return w, nil
}

// AdjustBalance applies a signed manual adjustment to a wallet and
// appends the corresponding ledger entry, the operator equivalent of a
// support credit or correction. Unlike internal/wallet.Service.Deposit,
// this never consults billing or reservation state: it is a direct
// correction to whatever is wrong, which is the entire point of an
// escape hatch.
func (s *Service) AdjustBalance(ctx context.Context, walletID string, delta money.Amount, reason string) (domain.LedgerEntry, error) {
	newBalance, err := s.wallets.AdjustBalance(ctx, walletID, int64(delta))
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("adminapi: adjust balance: %w", err)
	}

	entry := domain.LedgerEntry{
		ID:           idgen.New(),
		WalletID:     walletID,
		Amount:       delta,
		BalanceAfter: money.Amount(newBalance),
		Type:         domain.LedgerAdjustment,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.ledger.AppendEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("adminapi: adjust balance: append entry: %w", err)
	}
	_ = reason // not recorded: LedgerEntry has no free-text field, and neither this method nor its callers log it
	return entry, nil
}

// EpochHistory returns a conversation's epochs from number 1 onward, for
// incident-response inspection of a rotation sequence.
func (s *Service) EpochHistory(ctx context.Context, conversationID string) ([]domain.Epoch, error) {
	epochs, err := s.epochs.EpochsFrom(ctx, conversationID, 1)
	if err != nil {
		return nil, fmt.Errorf("adminapi: epoch history: %w", err)
	}
	return epochs, nil
}
