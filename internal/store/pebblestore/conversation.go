package pebblestore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
)

func conversationKey(id string) []byte {
	return key("conv", id)
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, c domain.Conversation) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, conversationKey(c.ID), c); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create conversation: %w", err)
	}
	return nil
}

// Conversation returns the conversation row for id.
func (s *Store) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	var c domain.Conversation
	found, err := s.get(conversationKey(id), &c)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("pebblestore: conversation: %w", err)
	}
	if !found {
		return domain.Conversation{}, ErrNotFound
	}
	return c, nil
}

// withConversation loads, mutates, and rewrites a conversation row under
// one batch, the read-modify-write shape every mutator below shares.
func (s *Store) withConversation(conversationID string, mutate func(c *domain.Conversation) error) error {
	var c domain.Conversation
	found, err := s.get(conversationKey(conversationID), &c)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := mutate(&c); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, conversationKey(conversationID), c); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// SetRotationPending flips the rotationPending flag (spec §4.2 step 1/5).
func (s *Store) SetRotationPending(ctx context.Context, conversationID string, pending bool) error {
	err := s.withConversation(conversationID, func(c *domain.Conversation) error {
		c.RotationPending = pending
		return nil
	})
	if err != nil {
		return fmt.Errorf("pebblestore: set rotation pending: %w", err)
	}
	return nil
}

// NextSequenceNumber atomically increments and returns the conversation's
// sequence counter, the strictly-monotonic allocator spec §4.4/§8 invariant
// 4 requires. The read-modify-write is serialized by a mutex from the same
// walletLock map that guards wallet balances, keyed by a
// conversation-scoped lock name ("conv-seq:<id>"), so two concurrent sends
// cannot race on the same counter; the other conversation mutators do not
// take this lock.
func (s *Store) NextSequenceNumber(ctx context.Context, conversationID string) (int64, error) {
	lock := s.lockFor("conv-seq:" + conversationID)
	lock.Lock()
	defer lock.Unlock()

	var next int64
	err := s.withConversation(conversationID, func(c *domain.Conversation) error {
		c.NextSequence++
		next = c.NextSequence
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pebblestore: next sequence number: %w", err)
	}
	return next, nil
}

// SetCurrentEpoch advances the conversation's current-epoch pointer after a
// rotation completes.
func (s *Store) SetCurrentEpoch(ctx context.Context, conversationID string, epochNumber int64) error {
	err := s.withConversation(conversationID, func(c *domain.Conversation) error {
		c.CurrentEpoch = epochNumber
		return nil
	})
	if err != nil {
		return fmt.Errorf("pebblestore: set current epoch: %w", err)
	}
	return nil
}

// SetTitle stores the conversation's encrypted title blob alongside the
// epoch number it was encrypted under, per spec §3's TitleEpochNumber.
func (s *Store) SetTitle(ctx context.Context, conversationID string, blob []byte, epochNumber int64) error {
	err := s.withConversation(conversationID, func(c *domain.Conversation) error {
		c.TitleBlob = blob
		c.TitleEpochNumber = epochNumber
		return nil
	})
	if err != nil {
		return fmt.Errorf("pebblestore: set title: %w", err)
	}
	return nil
}
