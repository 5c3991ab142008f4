package pebblestore

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
)

func epochKey(conversationID string, number int64) []byte {
	return key("epoch", conversationID, string(beUint64(number)))
}

func epochPrefix(conversationID string) []byte {
	return key("epoch", conversationID, "")
}

func wrapKey(epochID string, memberPublicKey ecies.PublicKey) []byte {
	return key("wrap", epochID, hex.EncodeToString(memberPublicKey[:]))
}

func wrapPrefix(epochID string) []byte {
	return key("wrap", epochID, "")
}

// CreateEpoch persists a new epoch and its member wraps in a single batch,
// matching spec §4.2's "the rotation writes a new epoch row and its wrap
// set atomically." The same batch deletes the wrap rows of the epoch
// numbered e.Number-1, if that epoch exists.
func (s *Store) CreateEpoch(ctx context.Context, e domain.Epoch, wraps []domain.MemberWrap) error {
	b := s.db.NewBatch()
	defer b.Close()

	if e.Number > 1 {
		var prev domain.Epoch
		found, err := s.get(epochKey(e.ConversationID, e.Number-1), &prev)
		if err != nil {
			return fmt.Errorf("pebblestore: create epoch: %w", err)
		}
		if found {
			prefix := wrapPrefix(prev.ID)
			if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
				return err
			}
		}
	}

	if err := set(b, epochKey(e.ConversationID, e.Number), e); err != nil {
		return err
	}
	for _, w := range wraps {
		if err := set(b, wrapKey(e.ID, w.MemberPublicKey), w); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create epoch: %w", err)
	}
	return nil
}

// Epoch returns the epoch numbered number in conversationID.
func (s *Store) Epoch(ctx context.Context, conversationID string, number int64) (domain.Epoch, error) {
	var e domain.Epoch
	found, err := s.get(epochKey(conversationID, number), &e)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("pebblestore: epoch: %w", err)
	}
	if !found {
		return domain.Epoch{}, ErrNotFound
	}
	return e, nil
}

// LatestEpoch returns the highest-numbered epoch for conversationID, found
// by seeking to the end of the conversation's epoch key range.
func (s *Store) LatestEpoch(ctx context.Context, conversationID string) (domain.Epoch, error) {
	prefix := epochPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("pebblestore: latest epoch: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return domain.Epoch{}, ErrNotFound
	}
	var e domain.Epoch
	if err := unmarshalInto(iter.Value(), &e); err != nil {
		return domain.Epoch{}, fmt.Errorf("pebblestore: latest epoch: %w", err)
	}
	return e, nil
}

// EpochsFrom returns every epoch of conversationID numbered fromNumber or
// higher, ascending, used to replay epoch/wrap history for a newly-joined
// member's VisibleFromEpoch cutoff.
func (s *Store) EpochsFrom(ctx context.Context, conversationID string, fromNumber int64) ([]domain.Epoch, error) {
	var out []domain.Epoch
	err := s.iteratePrefix(epochPrefix(conversationID), func(k, v []byte) (bool, error) {
		var e domain.Epoch
		if err := unmarshalInto(v, &e); err != nil {
			return false, err
		}
		if e.Number >= fromNumber {
			out = append(out, e)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: epochs from: %w", err)
	}
	return out, nil
}

// MemberWrap returns the wrap of epochID for memberPublicKey.
func (s *Store) MemberWrap(ctx context.Context, epochID string, memberPublicKey ecies.PublicKey) (domain.MemberWrap, error) {
	var w domain.MemberWrap
	found, err := s.get(wrapKey(epochID, memberPublicKey), &w)
	if err != nil {
		return domain.MemberWrap{}, fmt.Errorf("pebblestore: member wrap: %w", err)
	}
	if !found {
		return domain.MemberWrap{}, ErrNotFound
	}
	return w, nil
}

// WrapsForEpoch returns every wrap row created for epochID.
func (s *Store) WrapsForEpoch(ctx context.Context, epochID string) ([]domain.MemberWrap, error) {
	var out []domain.MemberWrap
	err := s.iteratePrefix(wrapPrefix(epochID), func(k, v []byte) (bool, error) {
		var w domain.MemberWrap
		if err := unmarshalInto(v, &w); err != nil {
			return false, err
		}
		out = append(out, w)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: wraps for epoch: %w", err)
	}
	return out, nil
}
