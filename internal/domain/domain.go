// Package domain holds the plain data types of spec §3's data model. Types
// here carry no persistence or transport concerns — those live in ports and
// the concrete store/transport packages.
package domain

import (
	"time"

	"vaultchat/internal/ecies"
	"vaultchat/internal/money"
)

// Privilege is a member's or link's access level (spec §4.3 privilege
// matrix).
type Privilege string

const (
	PrivilegeRead  Privilege = "read"
	PrivilegeWrite Privilege = "write"
	PrivilegeAdmin Privilege = "admin"
	PrivilegeOwner Privilege = "owner"
)

// Atleast reports whether p grants at least the access of min, per the
// total order read < write < admin == owner (owner and admin share every
// capability except owner's immunity to removal; see membership package for
// that distinction).
func (p Privilege) Atleast(min Privilege) bool {
	rank := map[Privilege]int{
		PrivilegeRead:  0,
		PrivilegeWrite: 1,
		PrivilegeAdmin: 2,
		PrivilegeOwner: 2,
	}
	return rank[p] >= rank[min]
}

// WalletType distinguishes the two wallet kinds in spec §3.
type WalletType string

const (
	WalletPurchased WalletType = "purchased"
	WalletFreeTier  WalletType = "free_tier"
)

// Wallet is spec §3's Wallet row.
type Wallet struct {
	ID        string
	OwnerID   string // empty if the owning account has been deleted
	Type      WalletType
	Balance   money.Amount
	Priority  int
	CreatedAt time.Time
}

// LedgerEntryType is the closed set of ledger entry kinds (spec §3).
type LedgerEntryType string

const (
	LedgerDeposit       LedgerEntryType = "deposit"
	LedgerUsageCharge   LedgerEntryType = "usage_charge"
	LedgerRefund        LedgerEntryType = "refund"
	LedgerAdjustment    LedgerEntryType = "adjustment"
	LedgerRenewal       LedgerEntryType = "renewal"
	LedgerWelcomeCredit LedgerEntryType = "welcome_credit"
)

// LedgerEntry is spec §3's append-only ledger row. Exactly one of
// PaymentID, UsageRecordID, SourceWalletID is set, matching the CHECK
// constraint described in §9's "dynamic shapes -> sum types" note: the
// entry Type is the discriminator and the reference fields are the
// variant's payload.
type LedgerEntry struct {
	ID            string
	WalletID      string
	Amount        money.Amount // negative = debit
	BalanceAfter  money.Amount
	Type          LedgerEntryType
	PaymentID     string
	UsageRecordID string
	SourceWallet  string
	CreatedAt     time.Time
}

// Reference validates the "exactly one of" invariant for a ledger entry
// about to be written.
func (e LedgerEntry) Reference() (field string, ok bool) {
	set := 0
	field = ""
	if e.PaymentID != "" {
		set++
		field = "payment"
	}
	if e.UsageRecordID != "" {
		set++
		field = "usage_record"
	}
	if e.SourceWallet != "" {
		set++
		field = "source_wallet"
	}
	return field, set == 1
}

// UsageStatus tracks a usage record's lifecycle (spec §3).
type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
)

// UsageRecord is spec §3's per-message billing artifact.
type UsageRecord struct {
	ID        string
	Status    UsageStatus
	TotalCost money.Amount
}

// LLMCompletion is the one-to-one completion metadata for a UsageRecord.
type LLMCompletion struct {
	UsageRecordID string
	Model         string
	Provider      string
	InputTokens   int
	OutputTokens  int
	CachedTokens  int
}

// Conversation is spec §3's Conversation row.
type Conversation struct {
	ID                 string
	OwnerID            string
	CurrentEpoch       int64
	NextSequence       int64
	RotationPending    bool
	PerPersonBudget    *money.Amount
	ConversationBudget *money.Amount
	TitleBlob          []byte
	TitleEpochNumber   int64
}

// Epoch is spec §3's Epoch row.
type Epoch struct {
	ID               string
	ConversationID   string
	Number           int64
	PublicKey        ecies.PublicKey
	ConfirmationHash [32]byte
	ChainLink        []byte // nil for the first epoch
}

// MemberWrap is spec §3's per-(epoch, member) wrap row.
type MemberWrap struct {
	EpochID          string
	MemberPublicKey  ecies.PublicKey
	WrappedKey       []byte // ECIES(epoch private key) under MemberPublicKey
	Privilege        Privilege
	VisibleFromEpoch int64
}

// ConversationMember is spec §3's membership row. Exactly one of AccountID /
// LinkID is set.
type ConversationMember struct {
	ID               string
	ConversationID   string
	AccountID        string
	LinkID           string
	PublicKey        ecies.PublicKey
	Privilege        Privilege
	VisibleFromEpoch int64
	JoinedAt         time.Time
	LeftAt           *time.Time
}

// Active reports whether the member has not left.
func (m ConversationMember) Active() bool { return m.LeftAt == nil }

// IsLink reports whether this membership row represents a shared-link guest
// rather than an account.
func (m ConversationMember) IsLink() bool { return m.LinkID != "" }

// SharedLink is spec §3's virtual-member row.
type SharedLink struct {
	ID               string
	ConversationID   string
	PublicKey        ecies.PublicKey
	Privilege        Privilege
	VisibleFromEpoch int64
	RevokedAt        *time.Time
}

// Active reports whether the link has not been revoked.
func (l SharedLink) Active() bool { return l.RevokedAt == nil }

// MemberBudget is spec §3's per-(conversation, account) budget row. An
// absent row is equivalent to a zero budget cap and zero spend.
type MemberBudget struct {
	ConversationID string
	AccountID      string
	Budget         money.Amount
	Spent          money.Amount
}

// ConversationSpending is spec §3's per-conversation owner-covered-spend
// accumulator.
type ConversationSpending struct {
	ConversationID string
	TotalSpent     money.Amount
}

// PendingRemoval is spec §3's queued-removal row, applied on next rotation.
type PendingRemoval struct {
	ID             string
	ConversationID string
	AccountID      string // set for account removal
	LinkID         string // set for link revocation
	QueuedAt       time.Time
}

// SenderType distinguishes user vs. AI messages (spec §3).
type SenderType string

const (
	SenderUser SenderType = "user"
	SenderAI   SenderType = "ai"
)

// Message is spec §3's insert-only Message row.
type Message struct {
	ID              string
	ConversationID  string
	EpochNumber     int64
	SequenceNumber  int64
	SenderType      SenderType
	SenderAccount   string // empty for AI messages and anonymous link guests
	SenderDisplay   string // set for link guests
	PayerAccountID  string
	Cost            money.Amount
	Blob            []byte
	// ClientMessageID is the client-supplied id carried on the user message
	// half of a pair, used by MessageStore.MessageByClientID for the
	// duplicate-submission check. Empty on AI messages.
	ClientMessageID string
	CreatedAt       time.Time
}

// SharedMessage is spec §3's standalone ECIES blob keyed by a random share
// secret, unrelated to any conversation or epoch key.
type SharedMessage struct {
	ID        string
	ShareKey  ecies.PublicKey
	Blob      []byte
	CreatedAt time.Time
}

// Account is spec §3's Account row. Only the fields the core actually reads
// are modeled; password/recovery re-wrap and OPAQUE registration are out of
// scope (spec §1).
type Account struct {
	ID        string
	Email     string
	Username  string
	PublicKey ecies.PublicKey
	CreatedAt time.Time
}

// FundingSource is the client-declared payment origin named in spec §4.5
// and the GLOSSARY.
type FundingSource string

const (
	FundingPersonalBalance FundingSource = "personal_balance"
	FundingOwnerBalance    FundingSource = "owner_balance"
	FundingFreeAllowance   FundingSource = "free_allowance"
)
