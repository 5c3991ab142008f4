// Package ports declares the narrow, per-capability interfaces that every
// business-logic package (epoch, membership, wallet, billing, message,
// streampipeline, broadcast) depends on instead of a concrete store. Two
// concrete implementations exist: internal/store/pebblestore for durable
// state and internal/store/rediscache for ephemeral reservations and rate
// limits. Hand-written in-memory fakes implementing these same interfaces
// back the unit tests, following the teacher's own preference for
// hand-rolled fakes over generated mocks.
package ports

import (
	"context"
	"time"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
)

// Clock abstracts wall-clock time so free-tier renewal and epoch timestamps
// are deterministic in tests. github.com/benbjohnson/clock.Clock already
// satisfies this exactly, so production wiring passes clock.New()
// directly; tests pass small hand-written fake clocks.
type Clock interface {
	Now() time.Time
}

// EpochStore persists epochs and member wraps for a conversation (spec
// §3 Epoch/MemberWrap, §4.2 rotation).
type EpochStore interface {
	CreateEpoch(ctx context.Context, e domain.Epoch, wraps []domain.MemberWrap) error
	Epoch(ctx context.Context, conversationID string, number int64) (domain.Epoch, error)
	LatestEpoch(ctx context.Context, conversationID string) (domain.Epoch, error)
	EpochsFrom(ctx context.Context, conversationID string, fromNumber int64) ([]domain.Epoch, error)
	MemberWrap(ctx context.Context, epochID string, memberPublicKey ecies.PublicKey) (domain.MemberWrap, error)
	WrapsForEpoch(ctx context.Context, epochID string) ([]domain.MemberWrap, error)
}

// ConversationStore persists conversation rows and the sequence-number
// counter (spec §3 Conversation, §4.4 per-conversation sequencing).
type ConversationStore interface {
	CreateConversation(ctx context.Context, c domain.Conversation) error
	Conversation(ctx context.Context, id string) (domain.Conversation, error)
	SetRotationPending(ctx context.Context, conversationID string, pending bool) error
	NextSequenceNumber(ctx context.Context, conversationID string) (int64, error)
	SetCurrentEpoch(ctx context.Context, conversationID string, epochNumber int64) error
	SetTitle(ctx context.Context, conversationID string, blob []byte, epochNumber int64) error
}

// MembershipStore persists conversation members, shared links, and the
// pending-removal queue (spec §3, §4.3).
type MembershipStore interface {
	AddMember(ctx context.Context, m domain.ConversationMember) error
	Member(ctx context.Context, conversationID, accountID string) (domain.ConversationMember, error)
	MembersByConversation(ctx context.Context, conversationID string) ([]domain.ConversationMember, error)
	RemoveMember(ctx context.Context, conversationID, accountID string, leftAt time.Time) error

	CreateLink(ctx context.Context, l domain.SharedLink) error
	Link(ctx context.Context, linkID string) (domain.SharedLink, error)
	LinksByConversation(ctx context.Context, conversationID string) ([]domain.SharedLink, error)
	RevokeLink(ctx context.Context, linkID string, revokedAt time.Time) error

	QueueRemoval(ctx context.Context, p domain.PendingRemoval) error
	PendingRemovals(ctx context.Context, conversationID string) ([]domain.PendingRemoval, error)
	ClearPendingRemovals(ctx context.Context, conversationID string) error

	MemberBudget(ctx context.Context, conversationID, accountID string) (domain.MemberBudget, error)
	SetMemberBudget(ctx context.Context, b domain.MemberBudget) error
	IncrementMemberSpend(ctx context.Context, conversationID, accountID string, delta int64) error

	ConversationSpending(ctx context.Context, conversationID string) (domain.ConversationSpending, error)
	IncrementConversationSpend(ctx context.Context, conversationID string, delta int64) error
}

// WalletStore persists wallets and account rows (spec §3 Wallet/Account,
// §4.5 multi-wallet debit).
type WalletStore interface {
	CreateWallet(ctx context.Context, w domain.Wallet) error
	Wallet(ctx context.Context, id string) (domain.Wallet, error)
	WalletsByOwner(ctx context.Context, ownerID string) ([]domain.Wallet, error)
	// AdjustBalance atomically applies delta (positive or negative) to the
	// wallet's balance and returns the resulting balance. Implementations
	// must serialize concurrent adjustments to the same wallet.
	AdjustBalance(ctx context.Context, walletID string, delta int64) (newBalance int64, err error)

	Account(ctx context.Context, id string) (domain.Account, error)
}

// LedgerStore appends and reads ledger entries (spec §3 LedgerEntry,
// append-only).
type LedgerStore interface {
	AppendEntry(ctx context.Context, e domain.LedgerEntry) error
	EntriesByWallet(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error)
}

// MessageStore persists messages, usage records, and LLM completion rows
// (spec §3 Message/UsageRecord/LLMCompletion, §4.4 commit pair).
type MessageStore interface {
	// CommitMessagePair atomically inserts the user message and the AI
	// message (if non-nil) together with the usage record and completion
	// row, matching spec §4.4's "commit message pair" transaction.
	CommitMessagePair(ctx context.Context, userMsg domain.Message, aiMsg *domain.Message, usage *domain.UsageRecord, completion *domain.LLMCompletion) error
	Messages(ctx context.Context, conversationID string, fromSequence int64, limit int) ([]domain.Message, error)
	MessageByClientID(ctx context.Context, conversationID, clientMessageID string) (domain.Message, bool, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	CreateSharedMessage(ctx context.Context, m domain.SharedMessage) error
	SharedMessage(ctx context.Context, id string) (domain.SharedMessage, error)
}

// ReservationStore implements the Redis-backed speculative-reservation and
// release protocol of spec §4.5/§4.7, typically via Lua EVAL scripts for
// atomicity.
type ReservationStore interface {
	// Reserve speculatively holds amount against walletID for ttl, keyed by
	// reservationID for idempotent release. walletID is an opaque
	// reservation key (callers pass member, payer and conversation keys).
	// Returns false if amount plus the other live reservations held against
	// that key would exceed the implementation's configured ceiling; wallet
	// balances and budget caps are not consulted.
	Reserve(ctx context.Context, reservationID, walletID string, amount int64, ttl time.Duration) (ok bool, err error)
	// Release removes a reservation without applying it, used on pipeline
	// failure or client disconnect before commit.
	Release(ctx context.Context, reservationID string) error
	// Commit removes the reservation and signals the caller should now
	// apply the real ledger debit for the (possibly smaller) actual cost.
	Commit(ctx context.Context, reservationID string) error
	ReservedTotal(ctx context.Context, walletID string) (int64, error)
}

// RateLimiter implements the per-IP guest throttling of spec §4.7.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// BroadcastEvent is the envelope dispatched to a conversation's live
// subscribers (spec §5 real-time fan-out). Kind distinguishes the dual
// message:new shapes and the other event types named in spec §5/§6.
type BroadcastEvent struct {
	ConversationID string
	Kind           string
	Payload        any
}

// Broadcaster fans a BroadcastEvent out to every live subscriber of a
// conversation, over WS or SSE indifferently (spec §5).
type Broadcaster interface {
	Publish(ctx context.Context, event BroadcastEvent)
	Subscribe(conversationID, subscriberID string) (<-chan BroadcastEvent, func())
}

// LLMStreamToken is one incremental chunk of a streaming completion.
type LLMStreamToken struct {
	Text         string
	Done         bool
	InputTokens  int // set with Done
	OutputTokens int // set with Done
	Err          error
}

// LLMStreamer abstracts the upstream completion provider (spec §4.4/§4.5
// streaming + usage accounting).
type LLMStreamer interface {
	Stream(ctx context.Context, model string, prompt []byte) (<-chan LLMStreamToken, error)
}
