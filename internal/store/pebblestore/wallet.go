package pebblestore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
	"vaultchat/internal/money"
)

func walletKey(id string) []byte {
	return key("wallet", id)
}

func walletByOwnerKey(ownerID, walletID string) []byte {
	return key("wallet_by_owner", ownerID, walletID)
}

func walletByOwnerPrefix(ownerID string) []byte {
	return key("wallet_by_owner", ownerID, "")
}

func accountKey(id string) []byte {
	return key("account", id)
}

// CreateWallet inserts a new wallet row plus its by-owner index entry.
func (s *Store) CreateWallet(ctx context.Context, w domain.Wallet) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, walletKey(w.ID), w); err != nil {
		return err
	}
	if err := b.Set(walletByOwnerKey(w.OwnerID, w.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create wallet: %w", err)
	}
	return nil
}

// Wallet returns the wallet row for id.
func (s *Store) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	var w domain.Wallet
	found, err := s.get(walletKey(id), &w)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("pebblestore: wallet: %w", err)
	}
	if !found {
		return domain.Wallet{}, ErrNotFound
	}
	return w, nil
}

// WalletsByOwner lists every wallet owned by ownerID, in no particular
// order; internal/wallet.Service sorts by Priority itself.
func (s *Store) WalletsByOwner(ctx context.Context, ownerID string) ([]domain.Wallet, error) {
	prefix := walletByOwnerPrefix(ownerID)
	var ids []string
	err := s.iteratePrefix(prefix, func(k, v []byte) (bool, error) {
		ids = append(ids, string(k[len(prefix):]))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: wallets by owner: %w", err)
	}

	out := make([]domain.Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := s.Wallet(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pebblestore: wallets by owner: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}

// AdjustBalance atomically applies delta to walletID's balance, serialized
// per wallet id via the Store-wide lock map so concurrent debits against
// the same wallet (e.g. two conversations sharing an owner's wallet) can
// never interleave their read-modify-write, per ports.WalletStore's
// documented contract.
func (s *Store) AdjustBalance(ctx context.Context, walletID string, delta int64) (int64, error) {
	lock := s.lockFor("wallet:" + walletID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.Wallet(ctx, walletID)
	if err != nil {
		return 0, fmt.Errorf("pebblestore: adjust balance: %w", err)
	}
	w.Balance += money.Amount(delta)

	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, walletKey(walletID), w); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebblestore: adjust balance: %w", err)
	}
	return int64(w.Balance), nil
}

// Account returns the account row for id.
func (s *Store) Account(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	found, err := s.get(accountKey(id), &a)
	if err != nil {
		return domain.Account{}, fmt.Errorf("pebblestore: account: %w", err)
	}
	if !found {
		return domain.Account{}, ErrNotFound
	}
	return a, nil
}

// CreateAccount inserts a new account row. Not named in ports.WalletStore
// (account provisioning sits outside this core's scope per spec §1's
// non-goals), but cmd/admin and test fixtures need a way to seed accounts
// directly against the real store rather than only through fakes.
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, accountKey(a.ID), a); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create account: %w", err)
	}
	return nil
}
