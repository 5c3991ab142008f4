// Package message implements spec §4.6's message store operations: the
// atomic commit of a user+AI message pair plus billing, the simpler
// user-only path, idempotency by client-supplied message id, and deletion.
package message

import (
	"context"
	"errors"
	"fmt"

	"vaultchat/internal/domain"
	"vaultchat/internal/idgen"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
)

// ErrDuplicateClientMessage is returned when a client resubmits a message
// with a client message id already observed for the conversation — the
// idempotency supplement named in SPEC_FULL.md, layered on top of spec
// §4.6's sequence-number ordering guarantee.
var ErrDuplicateClientMessage = errors.New("message: duplicate client message id")

// CommitPairInput carries everything Store.CommitPair needs to perform
// spec §4.6 step 9's one-transaction commit.
type CommitPairInput struct {
	ClientMessageID string
	ConversationID  string
	// UsageRecordID, if set, is used as the usage record's id instead of
	// minting a fresh one. internal/streampipeline pre-generates this id so
	// the wallet debit's ledger entry (written before this commit) can
	// reference the same usage record.
	UsageRecordID string
	// UserMessageID and AIMessageID, if set, are used instead of minting
	// fresh ids, so they can match the ids already used in an in-flight
	// broadcast (message:new, message:stream) for this send.
	UserMessageID string
	AIMessageID   string
	EpochNumber     int64
	UserSequence    int64
	AISequence      int64
	SenderAccountID string
	SenderDisplay   string
	PayerAccountID  string
	Cost            money.Amount
	UserBlob        []byte
	AIBlob          []byte
	InputTokens     int
	OutputTokens    int
	CachedTokens    int
	Model           string
	Provider        string
}

// Store wraps a ports.MessageStore with the idempotency and deletion
// behaviors spec §4.6 names beyond the bare insert.
type Store struct {
	store ports.MessageStore
	clock ports.Clock
}

// NewStore constructs a message Store.
func NewStore(store ports.MessageStore, clock ports.Clock) *Store {
	return &Store{store: store, clock: clock}
}

// CommitPair implements spec §4.6 step 9: insert the user message, the AI
// message, the usage record, the LLM completion row, all in the one
// transaction the underlying MessageStore implementation provides.
// Duplicate ClientMessageID submissions for the same conversation are
// rejected before any write.
func (s *Store) CommitPair(ctx context.Context, in CommitPairInput) (userMsg, aiMsg domain.Message, err error) {
	if in.ClientMessageID != "" {
		if _, found, err := s.store.MessageByClientID(ctx, in.ConversationID, in.ClientMessageID); err != nil {
			return domain.Message{}, domain.Message{}, fmt.Errorf("message: commit pair: %w", err)
		} else if found {
			return domain.Message{}, domain.Message{}, ErrDuplicateClientMessage
		}
	}

	userMessageID := in.UserMessageID
	if userMessageID == "" {
		userMessageID = idgen.New()
	}
	aiMessageID := in.AIMessageID
	if aiMessageID == "" {
		aiMessageID = idgen.New()
	}

	now := s.clock.Now()
	userMsg = domain.Message{
		ID:              userMessageID,
		ConversationID:  in.ConversationID,
		EpochNumber:     in.EpochNumber,
		SequenceNumber:  in.UserSequence,
		SenderType:      domain.SenderUser,
		SenderAccount:   in.SenderAccountID,
		SenderDisplay:   in.SenderDisplay,
		Blob:            in.UserBlob,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       now,
	}
	aiMsg = domain.Message{
		ID:             aiMessageID,
		ConversationID: in.ConversationID,
		EpochNumber:    in.EpochNumber,
		SequenceNumber: in.AISequence,
		SenderType:     domain.SenderAI,
		PayerAccountID: in.PayerAccountID,
		Cost:           in.Cost,
		Blob:           in.AIBlob,
		CreatedAt:      now,
	}
	usageID := in.UsageRecordID
	if usageID == "" {
		usageID = idgen.New()
	}
	usage := &domain.UsageRecord{
		ID:        usageID,
		Status:    domain.UsageCompleted,
		TotalCost: in.Cost,
	}
	completion := &domain.LLMCompletion{
		UsageRecordID: usage.ID,
		Model:         in.Model,
		Provider:      in.Provider,
		InputTokens:   in.InputTokens,
		OutputTokens:  in.OutputTokens,
		CachedTokens:  in.CachedTokens,
	}

	if err := s.store.CommitMessagePair(ctx, userMsg, &aiMsg, usage, completion); err != nil {
		return domain.Message{}, domain.Message{}, fmt.Errorf("message: commit pair: %w", err)
	}
	return userMsg, aiMsg, nil
}

// CommitUserOnly implements spec §4.6's "User-only message path": a single
// sequence number, no AI reply, no billing.
func (s *Store) CommitUserOnly(ctx context.Context, conversationID string, epochNumber, sequence int64, senderAccountID, senderDisplay string, blob []byte) (domain.Message, error) {
	msg := domain.Message{
		ID:             idgen.New(),
		ConversationID: conversationID,
		EpochNumber:    epochNumber,
		SequenceNumber: sequence,
		SenderType:     domain.SenderUser,
		SenderAccount:  senderAccountID,
		SenderDisplay:  senderDisplay,
		Blob:           blob,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.CommitMessagePair(ctx, msg, nil, nil, nil); err != nil {
		return domain.Message{}, fmt.Errorf("message: commit user-only: %w", err)
	}
	return msg, nil
}

// Delete implements spec §4.6's hard-delete.
func (s *Store) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := s.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	return nil
}

// List returns messages from fromSequence onward, for history replay.
func (s *Store) List(ctx context.Context, conversationID string, fromSequence int64, limit int) ([]domain.Message, error) {
	msgs, err := s.store.Messages(ctx, conversationID, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	return msgs, nil
}

// CreateSharedMessage persists a standalone shared-message blob (spec §3
// SharedMessage), unrelated to any conversation epoch.
func (s *Store) CreateSharedMessage(ctx context.Context, shareKey domain.SharedMessage) (domain.SharedMessage, error) {
	shareKey.ID = idgen.New()
	shareKey.CreatedAt = s.clock.Now()
	if err := s.store.CreateSharedMessage(ctx, shareKey); err != nil {
		return domain.SharedMessage{}, fmt.Errorf("message: create shared message: %w", err)
	}
	return shareKey, nil
}
