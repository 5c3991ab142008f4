package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
	"vaultchat/internal/idgen"
	"vaultchat/internal/ports"
)

// Sentinel errors returned by Manager.Rotate, mapped to the API error codes
// of spec §7 by internal/httpapi.
var (
	ErrStaleEpoch      = errors.New("epoch: stale epoch")
	ErrWrapSetMismatch = errors.New("epoch: wrap set mismatch")
)

// RotationRequest is the body of a client's /rotation submission (spec §6
// `POST /rotation`), already validated for shape by the caller.
type RotationRequest struct {
	ConversationID    string
	ExpectedEpoch     int64
	NewEpochPublicKey ecies.PublicKey
	ConfirmationHash  [32]byte
	MemberWraps       []domain.MemberWrap
	ChainLink         []byte
	EncryptedTitle    []byte // optional
	TitleLength       int    // 0 if EncryptedTitle is empty
}

// RotationResult is returned to the caller on a successful rotation.
type RotationResult struct {
	NewEpochNumber int64
}

// Manager orchestrates the atomic rotation transaction of spec §4.2. Locks
// are per-conversation advisory locks (spec §5), acquired in-process here;
// a multi-instance deployment would instead take the lock in the store
// (e.g. a Pebble key or Redis SETNX), but a single vaultchat server process
// owns all writes to a given Pebble instance so an in-process mutex
// suffices, mirroring the teacher's `core/ledger.go` single-writer model.
type Manager struct {
	epochs        ports.EpochStore
	conversations ports.ConversationStore
	membership    ports.MembershipStore
	clock         ports.Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager constructs an epoch Manager bound to the given stores.
func NewManager(epochs ports.EpochStore, conversations ports.ConversationStore, membership ports.MembershipStore, clock ports.Clock) *Manager {
	return &Manager{
		epochs:        epochs,
		conversations: conversations,
		membership:    membership,
		clock:         clock,
		locks:         make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(conversationID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[conversationID] = l
	}
	return l
}

// Bootstrap creates a conversation's first epoch, per spec §4.2
// `createFirstEpoch` plus the server-side insert it implies.
func (m *Manager) Bootstrap(ctx context.Context, conversationID string, ownerPublicKey ecies.PublicKey, result FirstEpochResult) error {
	e := domain.Epoch{
		ID:               idgen.New(),
		ConversationID:   conversationID,
		Number:           1,
		PublicKey:        result.PublicKey,
		ConfirmationHash: result.ConfirmationHash,
		ChainLink:        nil,
	}
	wrap := domain.MemberWrap{
		EpochID:          e.ID,
		MemberPublicKey:  ownerPublicKey,
		WrappedKey:       result.OwnerWrap,
		Privilege:        domain.PrivilegeOwner,
		VisibleFromEpoch: 1,
	}
	if err := m.epochs.CreateEpoch(ctx, e, []domain.MemberWrap{wrap}); err != nil {
		return fmt.Errorf("epoch: bootstrap: %w", err)
	}
	return nil
}

// AddMember inserts a new member's wrap into the current epoch without
// rotating, per spec §4.3 "Add member (no rotation)". The wrap must already
// be computed by the admin/owner client against the current epoch's private
// key.
func (m *Manager) AddMember(ctx context.Context, conversationID string, wrap domain.MemberWrap) error {
	current, err := m.epochs.LatestEpoch(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("epoch: add member: %w", err)
	}
	wrap.EpochID = current.ID
	if wrap.VisibleFromEpoch == 0 {
		wrap.VisibleFromEpoch = 1
	}
	if err := m.epochs.CreateEpoch(ctx, current, []domain.MemberWrap{wrap}); err != nil {
		return fmt.Errorf("epoch: add member: %w", err)
	}
	return nil
}

// Rotate executes the nine-step atomic rotation transaction of spec §4.2.
// expectedWrapKeys holds the public keys of the conversation's active
// members and links (excluding anything already queued for removal), used
// to validate the submitted wrap set exactly covers them.
func (m *Manager) Rotate(ctx context.Context, req RotationRequest, expectedWrapKeys map[ecies.PublicKey]struct{}) (RotationResult, error) {
	lock := m.lockFor(req.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := m.conversations.Conversation(ctx, req.ConversationID)
	if err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: %w", err)
	}
	if conv.CurrentEpoch != req.ExpectedEpoch {
		return RotationResult{}, ErrStaleEpoch
	}

	if len(req.MemberWraps) != len(expectedWrapKeys) {
		return RotationResult{}, ErrWrapSetMismatch
	}
	for _, w := range req.MemberWraps {
		if _, ok := expectedWrapKeys[w.MemberPublicKey]; !ok {
			return RotationResult{}, ErrWrapSetMismatch
		}
	}

	newNumber := conv.CurrentEpoch + 1
	newEpoch := domain.Epoch{
		ID:               idgen.New(),
		ConversationID:   req.ConversationID,
		Number:           newNumber,
		PublicKey:        req.NewEpochPublicKey,
		ConfirmationHash: req.ConfirmationHash,
		ChainLink:        req.ChainLink,
	}
	for i := range req.MemberWraps {
		req.MemberWraps[i].VisibleFromEpoch = newNumber
	}

	// Steps 4-6: insert new epoch + wraps, drop the previous epoch's wraps
	// (bounded storage). CreateEpoch is expected to perform this as one
	// atomic store-level batch.
	if err := m.epochs.CreateEpoch(ctx, newEpoch, req.MemberWraps); err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: create epoch: %w", err)
	}

	now := m.clock.Now()

	// Step 7: finalize pending removals.
	pending, err := m.membership.PendingRemovals(ctx, req.ConversationID)
	if err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: pending removals: %w", err)
	}
	for _, p := range pending {
		if p.AccountID != "" {
			if err := m.membership.RemoveMember(ctx, req.ConversationID, p.AccountID, now); err != nil {
				return RotationResult{}, fmt.Errorf("epoch: rotate: finalize removal: %w", err)
			}
		}
	}
	if err := m.membership.ClearPendingRemovals(ctx, req.ConversationID); err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: clear pending removals: %w", err)
	}

	// Step 8: advance conversation state.
	if err := m.conversations.SetCurrentEpoch(ctx, req.ConversationID, newNumber); err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: advance epoch: %w", err)
	}
	if err := m.conversations.SetRotationPending(ctx, req.ConversationID, false); err != nil {
		return RotationResult{}, fmt.Errorf("epoch: rotate: clear rotation pending: %w", err)
	}
	if len(req.EncryptedTitle) > 0 {
		if err := m.conversations.SetTitle(ctx, req.ConversationID, req.EncryptedTitle, newNumber); err != nil {
			return RotationResult{}, fmt.Errorf("epoch: rotate: set title: %w", err)
		}
	}

	return RotationResult{NewEpochNumber: newNumber}, nil
}

// ResolveEpochKey walks the chain back from the caller-supplied unwrap of
// the latest epoch's private key, decrypting chainLinks in the order given
// and returning the key the last link yields, per spec §4.2 "Chain
// traversal". This is reference/testing
// tooling for a thin server-side participant (the dev-mode AI responder);
// real clients perform this entirely locally.
func ResolveEpochKey(latestPrivateKey ecies.PrivateKey, chainLinks [][]byte) (ecies.PrivateKey, error) {
	cur := latestPrivateKey
	for _, link := range chainLinks {
		next, err := TraverseChain(cur, link)
		if err != nil {
			return ecies.PrivateKey{}, err
		}
		cur = next
	}
	return cur, nil
}
