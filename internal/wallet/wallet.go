// Package wallet implements spec §4.4's wallet & ledger: the multi-wallet
// priority debit protocol, idempotent webhook deposits, and free-tier lazy
// UTC-midnight renewal.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"vaultchat/internal/domain"
	"vaultchat/internal/idgen"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
)

// ErrInsufficientFunds is returned by Debit when no wallet (including the
// negative-balance floor for owner group-budget debits) can cover the
// amount.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// Service implements the debit/deposit/renewal operations of spec §4.4.
type Service struct {
	wallets ports.WalletStore
	ledger  ports.LedgerStore
	clock   ports.Clock

	freeAllowance             money.Amount
	maxAllowedNegativeBalance money.Amount
}

// NewService constructs a wallet Service. freeAllowance and
// maxAllowedNegativeBalance come from config (spec §4.4, §4.5).
func NewService(wallets ports.WalletStore, ledger ports.LedgerStore, clock ports.Clock, freeAllowance, maxAllowedNegativeBalance money.Amount) *Service {
	return &Service{
		wallets:                   wallets,
		ledger:                    ledger,
		clock:                     clock,
		freeAllowance:             freeAllowance,
		maxAllowedNegativeBalance: maxAllowedNegativeBalance,
	}
}

// DebitResult is returned by Debit on success (spec §4.4 step 5).
type DebitResult struct {
	WalletID   string
	WalletType domain.WalletType
	NewBalance money.Amount
}

// Debit implements spec §4.4's atomic debit protocol: candidate wallets for
// ownerID are tried in ascending priority order; the first with sufficient
// balance is charged. If none qualifies but allowNegativeFloor is set (the
// payer is a conversation owner debited via group budget), the
// highest-priority purchased wallet may go negative down to
// -maxAllowedNegativeBalance.
func (s *Service) Debit(ctx context.Context, ownerID string, amount money.Amount, usageRecordID string, allowNegativeFloor bool) (DebitResult, error) {
	if amount.IsNegative() || amount == money.Zero {
		return DebitResult{}, fmt.Errorf("wallet: debit: amount must be positive, got %s", amount)
	}

	if err := s.ensureFreeTierRenewal(ctx, ownerID); err != nil {
		return DebitResult{}, err
	}

	wallets, err := s.wallets.WalletsByOwner(ctx, ownerID)
	if err != nil {
		return DebitResult{}, fmt.Errorf("wallet: debit: %w", err)
	}

	w, ok := s.candidateWallet(wallets, amount, allowNegativeFloor)
	if !ok {
		return DebitResult{}, ErrInsufficientFunds
	}
	return s.applyDebit(ctx, w, amount, usageRecordID)
}

// candidateWallet picks the wallet Debit would charge for amount, in
// ascending priority order, falling back to the negative-balance floor on
// the highest-priority purchased wallet when allowNegativeFloor is set.
// Pure/non-mutating so PredictWalletType can share it with Debit.
func (s *Service) candidateWallet(wallets []domain.Wallet, amount money.Amount, allowNegativeFloor bool) (domain.Wallet, bool) {
	sorted := append([]domain.Wallet{}, wallets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, w := range sorted {
		if w.Balance.Cmp(amount) >= 0 {
			return w, true
		}
	}

	if allowNegativeFloor {
		for _, w := range sorted {
			if w.Type != domain.WalletPurchased {
				continue
			}
			floor := s.maxAllowedNegativeBalance.Neg()
			projected := w.Balance.Sub(amount)
			if projected.Cmp(floor) >= 0 {
				return w, true
			}
		}
	}

	return domain.Wallet{}, false
}

// PredictWalletType reports which wallet Debit would charge for amount,
// without mutating any balance. internal/streampipeline uses this before a
// stream starts to answer spec §4.5's client/server funding-source
// agreement check (personal_balance vs. free_allowance), which must be
// resolved before commit makes the real wallet choice.
func (s *Service) PredictWalletType(ctx context.Context, ownerID string, amount money.Amount, allowNegativeFloor bool) (domain.WalletType, error) {
	if err := s.ensureFreeTierRenewal(ctx, ownerID); err != nil {
		return "", err
	}
	wallets, err := s.wallets.WalletsByOwner(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("wallet: predict wallet type: %w", err)
	}
	w, ok := s.candidateWallet(wallets, amount, allowNegativeFloor)
	if !ok {
		return "", ErrInsufficientFunds
	}
	return w.Type, nil
}

func (s *Service) applyDebit(ctx context.Context, w domain.Wallet, amount money.Amount, usageRecordID string) (DebitResult, error) {
	newBalanceRaw, err := s.wallets.AdjustBalance(ctx, w.ID, int64(-amount))
	if err != nil {
		return DebitResult{}, fmt.Errorf("wallet: debit: adjust balance: %w", err)
	}
	newBalance := money.Amount(newBalanceRaw)

	entry := domain.LedgerEntry{
		ID:            idgen.New(),
		WalletID:      w.ID,
		Amount:        amount.Neg(),
		BalanceAfter:  newBalance,
		Type:          domain.LedgerUsageCharge,
		UsageRecordID: usageRecordID,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.ledger.AppendEntry(ctx, entry); err != nil {
		return DebitResult{}, fmt.Errorf("wallet: debit: append ledger entry: %w", err)
	}

	return DebitResult{WalletID: w.ID, WalletType: w.Type, NewBalance: newBalance}, nil
}

// Deposit implements spec §4.4's idempotent webhook deposit: paymentID is
// the external transaction id. alreadyProcessed is supplied by the caller
// (internal/payments, from its webhook dedup marker) so duplicate webhooks
// for an already-confirmed payment are a success no-op rather than a
// double-credit.
func (s *Service) Deposit(ctx context.Context, walletID, paymentID string, amount money.Amount, alreadyProcessed bool) error {
	if alreadyProcessed {
		return nil
	}
	if amount.IsNegative() || amount == money.Zero {
		return fmt.Errorf("wallet: deposit: amount must be positive, got %s", amount)
	}

	newBalanceRaw, err := s.wallets.AdjustBalance(ctx, walletID, int64(amount))
	if err != nil {
		return fmt.Errorf("wallet: deposit: adjust balance: %w", err)
	}

	entry := domain.LedgerEntry{
		ID:           idgen.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: money.Amount(newBalanceRaw),
		Type:         domain.LedgerDeposit,
		PaymentID:    paymentID,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.ledger.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("wallet: deposit: append ledger entry: %w", err)
	}
	return nil
}

// ensureFreeTierRenewal implements spec §4.4's lazy renewal: on every
// balance read (here, every debit attempt), check the most recent renewal
// ledger entry for the account's free-tier wallet; if it predates today's
// UTC midnight, top up to freeAllowance guarded by balance < freeAllowance
// to prevent double top-up under concurrent reads.
func (s *Service) ensureFreeTierRenewal(ctx context.Context, ownerID string) error {
	wallets, err := s.wallets.WalletsByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("wallet: free-tier renewal: %w", err)
	}
	var freeTier *domain.Wallet
	for i := range wallets {
		if wallets[i].Type == domain.WalletFreeTier {
			freeTier = &wallets[i]
			break
		}
	}
	if freeTier == nil {
		return nil
	}

	entries, err := s.ledger.EntriesByWallet(ctx, freeTier.ID, 64)
	if err != nil {
		return fmt.Errorf("wallet: free-tier renewal: %w", err)
	}
	var lastRenewal time.Time
	for _, e := range entries {
		if e.Type == domain.LedgerRenewal && e.CreatedAt.After(lastRenewal) {
			lastRenewal = e.CreatedAt
		}
	}

	now := s.clock.Now().UTC()
	todayMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !lastRenewal.Before(todayMidnight) {
		return nil
	}
	if freeTier.Balance.Cmp(s.freeAllowance) >= 0 {
		return nil
	}

	newBalanceRaw, err := s.wallets.AdjustBalance(ctx, freeTier.ID, int64(s.freeAllowance)-int64(freeTier.Balance))
	if err != nil {
		return fmt.Errorf("wallet: free-tier renewal: adjust balance: %w", err)
	}
	entry := domain.LedgerEntry{
		ID:           idgen.New(),
		WalletID:     freeTier.ID,
		Amount:       s.freeAllowance.Sub(freeTier.Balance),
		BalanceAfter: money.Amount(newBalanceRaw),
		Type:         domain.LedgerRenewal,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.ledger.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("wallet: free-tier renewal: append ledger entry: %w", err)
	}
	return nil
}
