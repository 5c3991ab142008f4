// Package pebblestore implements every ports.*Store interface (except the
// Redis-backed ReservationStore) on top of github.com/cockroachdb/pebble, an
// embedded LSM engine. It grounds the teacher's append-and-replay
// core/ledger.go WAL discipline on a real storage engine instead of a
// hand-rolled JSON WAL: Pebble already provides its own WAL and atomic
// batch commits, so this package's job is key layout and JSON record
// encoding, following the teacher's own encoding/json convention
// throughout core/*.go rather than a binary format.
package pebblestore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/ports"
)

// ErrNotFound is returned by single-row lookups when no record exists for
// the given key, the same role the teacher's core packages give a sentinel
// "not found" error before wrapping it with fmt.Errorf("%w").
var ErrNotFound = errors.New("pebblestore: not found")

// Store wires every domain store interface to one Pebble handle. A single
// on-disk engine backs accounts, wallets, ledger entries, conversations,
// epochs, membership, and messages, following the teacher's single-ledger-
// file model (one WAL, one set of in-memory indices) rather than splitting
// entities across separate engines.
type Store struct {
	db *pebble.DB

	// walletLock serializes AdjustBalance per wallet id, since Pebble
	// batches alone don't provide read-modify-write atomicity across
	// concurrent callers touching the same key. ports.WalletStore's
	// AdjustBalance doc comment requires this; the teacher's own
	// core/ledger.go serializes balance mutations with a package-level
	// mutex for the same reason.
	walletMu   sync.Mutex
	walletLock map[string]*sync.Mutex
}

// Open creates or reopens a Pebble database rooted at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open: %w", err)
	}
	return &Store{db: db, walletLock: make(map[string]*sync.Mutex)}, nil
}

// Close flushes and closes the underlying engine.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pebblestore: close: %w", err)
	}
	return nil
}

// lockFor returns the per-wallet mutex, creating it on first use.
func (s *Store) lockFor(walletID string) *sync.Mutex {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()
	l, ok := s.walletLock[walletID]
	if !ok {
		l = &sync.Mutex{}
		s.walletLock[walletID] = l
	}
	return l
}

func beUint64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeBEUint64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func key(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0x00)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// keyUpperBound computes the exclusive upper bound for a prefix scan,
// grounded on the same trick the pack's own Pebble wrapper uses
// (db/pebbledb/pebledb.go's keyUpperBound): increment the last byte that
// isn't already 0xff.
func keyUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) get(k []byte, v any) (bool, error) {
	raw, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("pebblestore: decode %s: %w", k, err)
	}
	return true, nil
}

func unmarshalInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func set(b *pebble.Batch, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pebblestore: encode %s: %w", k, err)
	}
	return b.Set(k, raw, nil)
}

// iteratePrefix calls fn for every key/value pair under prefix, in key
// order, stopping early if fn returns false.
func (s *Store) iteratePrefix(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		cont, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

var (
	_ ports.EpochStore        = (*Store)(nil)
	_ ports.ConversationStore = (*Store)(nil)
	_ ports.MembershipStore   = (*Store)(nil)
	_ ports.WalletStore       = (*Store)(nil)
	_ ports.LedgerStore       = (*Store)(nil)
	_ ports.MessageStore      = (*Store)(nil)
)
