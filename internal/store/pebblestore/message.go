package pebblestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
)

func messageKey(conversationID string, sequence int64) []byte {
	return key("message", conversationID, string(beUint64(sequence)))
}

func messagePrefix(conversationID string) []byte {
	return key("message", conversationID, "")
}

func messageIDIndexKey(conversationID, messageID string) []byte {
	return key("message_id", conversationID, messageID)
}

func messageClientIDKey(conversationID, clientMessageID string) []byte {
	return key("message_client", conversationID, clientMessageID)
}

func usageRecordKey(id string) []byte {
	return key("usage", id)
}

func completionKey(usageRecordID string) []byte {
	return key("completion", usageRecordID)
}

func sharedMessageKey(id string) []byte {
	return key("shared_message", id)
}

// CommitMessagePair atomically inserts userMsg, the optional aiMsg, and
// their optional billing rows, plus the id and client-id index entries
// MessageByClientID and DeleteMessage need, in one Pebble batch — the
// transactional commit spec §4.6 step 9 requires.
func (s *Store) CommitMessagePair(ctx context.Context, userMsg domain.Message, aiMsg *domain.Message, usage *domain.UsageRecord, completion *domain.LLMCompletion) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := s.writeMessage(b, userMsg); err != nil {
		return err
	}
	if aiMsg != nil {
		if err := s.writeMessage(b, *aiMsg); err != nil {
			return err
		}
	}
	if usage != nil {
		if err := set(b, usageRecordKey(usage.ID), usage); err != nil {
			return err
		}
	}
	if completion != nil {
		if err := set(b, completionKey(completion.UsageRecordID), completion); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: commit message pair: %w", err)
	}
	return nil
}

func (s *Store) writeMessage(b *pebble.Batch, m domain.Message) error {
	if err := set(b, messageKey(m.ConversationID, m.SequenceNumber), m); err != nil {
		return err
	}
	if err := b.Set(messageIDIndexKey(m.ConversationID, m.ID), beUint64(m.SequenceNumber), nil); err != nil {
		return err
	}
	if m.ClientMessageID != "" {
		if err := b.Set(messageClientIDKey(m.ConversationID, m.ClientMessageID), beUint64(m.SequenceNumber), nil); err != nil {
			return err
		}
	}
	return nil
}

// Messages returns up to limit messages of conversationID starting at
// fromSequence, ascending, for history replay.
func (s *Store) Messages(ctx context.Context, conversationID string, fromSequence int64, limit int) ([]domain.Message, error) {
	lower := messageKey(conversationID, fromSequence)
	upper := keyUpperBound(messagePrefix(conversationID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: messages: %w", err)
	}
	defer iter.Close()

	var out []domain.Message
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var m domain.Message
		if err := unmarshalInto(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("pebblestore: messages: %w", err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: messages: %w", err)
	}
	return out, nil
}

// MessageByClientID looks up a message by its client-supplied id, for the
// duplicate-submission idempotency check internal/message.Store performs
// before every commit.
func (s *Store) MessageByClientID(ctx context.Context, conversationID, clientMessageID string) (domain.Message, bool, error) {
	raw, closer, err := s.db.Get(messageClientIDKey(conversationID, clientMessageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("pebblestore: message by client id: %w", err)
	}
	seq := decodeBEUint64(raw)
	closer.Close()

	var m domain.Message
	found, err := s.get(messageKey(conversationID, seq), &m)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("pebblestore: message by client id: %w", err)
	}
	if !found {
		return domain.Message{}, false, nil
	}
	return m, true, nil
}

// DeleteMessage hard-deletes a message row and its indices.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	raw, closer, err := s.db.Get(messageIDIndexKey(conversationID, messageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pebblestore: delete message: %w", err)
	}
	seq := decodeBEUint64(raw)
	closer.Close()

	var m domain.Message
	found, err := s.get(messageKey(conversationID, seq), &m)
	if err != nil {
		return fmt.Errorf("pebblestore: delete message: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(messageKey(conversationID, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(messageIDIndexKey(conversationID, messageID), nil); err != nil {
		return err
	}
	if found && m.ClientMessageID != "" {
		if err := b.Delete(messageClientIDKey(conversationID, m.ClientMessageID), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: delete message: %w", err)
	}
	return nil
}

// CreateSharedMessage inserts a standalone shared-message blob.
func (s *Store) CreateSharedMessage(ctx context.Context, m domain.SharedMessage) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, sharedMessageKey(m.ID), m); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create shared message: %w", err)
	}
	return nil
}

// SharedMessage returns a standalone shared-message blob by id.
func (s *Store) SharedMessage(ctx context.Context, id string) (domain.SharedMessage, error) {
	var m domain.SharedMessage
	found, err := s.get(sharedMessageKey(id), &m)
	if err != nil {
		return domain.SharedMessage{}, fmt.Errorf("pebblestore: shared message: %w", err)
	}
	if !found {
		return domain.SharedMessage{}, ErrNotFound
	}
	return m, nil
}
