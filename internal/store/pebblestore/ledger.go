package pebblestore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
)

func ledgerSeqKey(walletID string) []byte {
	return key("ledger_seq", walletID)
}

func ledgerEntryKey(walletID string, seq int64) []byte {
	return key("ledger", walletID, string(beUint64(seq)))
}

func ledgerPrefix(walletID string) []byte {
	return key("ledger", walletID, "")
}

// AppendEntry appends e to walletID's append-only ledger, assigning it the
// next per-wallet sequence number so EntriesByWallet can return entries
// newest-first without relying on wall-clock timestamps, mirroring the
// teacher's block-height counter in core/ledger.go.
func (s *Store) AppendEntry(ctx context.Context, e domain.LedgerEntry) error {
	lock := s.lockFor("ledger-seq:" + e.WalletID)
	lock.Lock()
	defer lock.Unlock()

	var seq int64
	if raw, closer, err := s.db.Get(ledgerSeqKey(e.WalletID)); err == nil {
		seq = decodeBEUint64(raw)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("pebblestore: append entry: %w", err)
	}
	seq++

	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, ledgerEntryKey(e.WalletID, seq), e); err != nil {
		return err
	}
	if err := b.Set(ledgerSeqKey(e.WalletID), beUint64(seq), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: append entry: %w", err)
	}
	return nil
}

// EntriesByWallet returns up to limit ledger entries for walletID, most
// recent first.
func (s *Store) EntriesByWallet(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error) {
	prefix := ledgerPrefix(walletID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: entries by wallet: %w", err)
	}
	defer iter.Close()

	var out []domain.LedgerEntry
	for valid := iter.Last(); valid && (limit <= 0 || len(out) < limit); valid = iter.Prev() {
		var e domain.LedgerEntry
		if err := unmarshalInto(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("pebblestore: entries by wallet: %w", err)
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: entries by wallet: %w", err)
	}
	return out, nil
}
