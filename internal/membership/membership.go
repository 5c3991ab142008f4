// Package membership implements spec §4.3's membership service: adding and
// removing members, link lifecycle, the privilege matrix, and the
// pending-removal queue that lazy rotation (internal/epoch) drains.
package membership

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

// Sentinel errors mapped to spec §7 API error codes by internal/httpapi.
var (
	ErrAlreadyMember         = errors.New("membership: already a member")
	ErrCannotRemoveOwner     = errors.New("membership: cannot remove owner")
	ErrCannotRemoveSelf      = errors.New("membership: cannot remove self via remove endpoint")
	ErrPrivilegeInsufficient = errors.New("membership: privilege insufficient")
	ErrNotMember             = errors.New("membership: not a member")
)

// Service implements the membership operations of spec §4.3, enforcing the
// privilege matrix server-side as the spec requires ("All checks are
// server-enforced").
//
// A small in-process cache of active (conversation, principal) -> privilege
// sits in front of the durable store, mirroring the teacher's
// AccessController: mutex-guarded, invalidated on every mutation rather than
// time-expired.
type Service struct {
	store ports.MembershipStore
	clock ports.Clock

	mu    sync.Mutex
	cache map[string]domain.Privilege // "conversationID:accountID" -> privilege
}

// NewService constructs a membership Service bound to store.
func NewService(store ports.MembershipStore, clock ports.Clock) *Service {
	return &Service{
		store: store,
		clock: clock,
		cache: make(map[string]domain.Privilege),
	}
}

func cacheKey(conversationID, accountID string) string {
	return conversationID + ":" + accountID
}

// Privilege returns the active privilege of accountID in conversationID,
// consulting the cache before the durable store.
func (s *Service) Privilege(ctx context.Context, conversationID, accountID string) (domain.Privilege, error) {
	s.mu.Lock()
	if p, ok := s.cache[cacheKey(conversationID, accountID)]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	m, err := s.store.Member(ctx, conversationID, accountID)
	if err != nil {
		return "", fmt.Errorf("membership: privilege: %w", err)
	}
	if !m.Active() {
		return "", ErrNotMember
	}
	s.mu.Lock()
	s.cache[cacheKey(conversationID, accountID)] = m.Privilege
	s.mu.Unlock()
	return m.Privilege, nil
}

func (s *Service) invalidate(conversationID, accountID string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(conversationID, accountID))
	s.mu.Unlock()
}

// AddMember implements spec §4.3 "Add member (no rotation)". The caller
// (internal/httpapi) has already verified the actor holds admin or owner
// privilege and has computed the wrap against the current epoch.
func (s *Service) AddMember(ctx context.Context, conversationID, targetAccountID string, wrap domain.MemberWrap, privilege domain.Privilege) (domain.ConversationMember, error) {
	if existing, err := s.store.Member(ctx, conversationID, targetAccountID); err == nil && existing.Active() {
		return domain.ConversationMember{}, ErrAlreadyMember
	}

	m := domain.ConversationMember{
		ID:               idgen.New(),
		ConversationID:   conversationID,
		AccountID:        targetAccountID,
		PublicKey:        wrap.MemberPublicKey,
		Privilege:        privilege,
		VisibleFromEpoch: 1,
		JoinedAt:         s.clock.Now(),
	}
	if err := s.store.AddMember(ctx, m); err != nil {
		return domain.ConversationMember{}, fmt.Errorf("membership: add member: %w", err)
	}
	s.invalidate(conversationID, targetAccountID)
	return m, nil
}

// RemoveMember implements spec §4.3's "Remove" path: server-side lockout is
// immediate (LeftAt set now), key rotation is deferred (rotationPending is
// the caller's responsibility to set via the conversation store, since that
// straddles membership and epoch state).
func (s *Service) RemoveMember(ctx context.Context, conversationID string, actor domain.ConversationMember, targetAccountID string, targetIsOwner bool) error {
	if targetIsOwner {
		return ErrCannotRemoveOwner
	}
	if actor.AccountID == targetAccountID {
		return ErrCannotRemoveSelf
	}
	if !actor.Privilege.Atleast(domain.PrivilegeAdmin) {
		return ErrPrivilegeInsufficient
	}

	target, err := s.store.Member(ctx, conversationID, targetAccountID)
	if err != nil {
		return fmt.Errorf("membership: remove member: %w", err)
	}
	if actor.Privilege == domain.PrivilegeAdmin && target.Privilege == domain.PrivilegeAdmin {
		return ErrPrivilegeInsufficient
	}

	now := s.clock.Now()
	if err := s.store.RemoveMember(ctx, conversationID, targetAccountID, now); err != nil {
		return fmt.Errorf("membership: remove member: %w", err)
	}
	if err := s.store.QueueRemoval(ctx, domain.PendingRemoval{
		ID:             idgen.New(),
		ConversationID: conversationID,
		AccountID:      targetAccountID,
		QueuedAt:       now,
	}); err != nil {
		return fmt.Errorf("membership: remove member: queue removal: %w", err)
	}
	s.invalidate(conversationID, targetAccountID)
	return nil
}

// Leave implements spec §4.3's voluntary-leave path: identical server
// effect to removal, but self-initiated, so none of RemoveMember's
// self/owner guards apply except that an owner cannot leave — an owner
// leaving deletes the conversation entirely, handled by the conversation
// lifecycle, not here.
func (s *Service) Leave(ctx context.Context, conversationID, accountID string) error {
	if m, err := s.store.Member(ctx, conversationID, accountID); err == nil && m.Privilege == domain.PrivilegeOwner {
		return ErrCannotRemoveOwner
	}
	now := s.clock.Now()
	if err := s.store.RemoveMember(ctx, conversationID, accountID, now); err != nil {
		return fmt.Errorf("membership: leave: %w", err)
	}
	if err := s.store.QueueRemoval(ctx, domain.PendingRemoval{
		ID:             idgen.New(),
		ConversationID: conversationID,
		AccountID:      accountID,
		QueuedAt:       now,
	}); err != nil {
		return fmt.Errorf("membership: leave: queue removal: %w", err)
	}
	s.invalidate(conversationID, accountID)
	return nil
}

// CreateLink implements the link-creation half of spec §4.7: an
// admin/owner mints a shared link with its own virtual public key and
// privilege.
func (s *Service) CreateLink(ctx context.Context, conversationID string, publicKey ecies.PublicKey, privilege domain.Privilege) (domain.SharedLink, error) {
	l := domain.SharedLink{
		ID:               idgen.New(),
		ConversationID:   conversationID,
		PublicKey:        publicKey,
		Privilege:        privilege,
		VisibleFromEpoch: 1,
	}
	if err := s.store.CreateLink(ctx, l); err != nil {
		return domain.SharedLink{}, fmt.Errorf("membership: create link: %w", err)
	}
	return l, nil
}

// RevokeLink implements "link revoke" from spec §4.3: same lazy-rotation
// trigger as member removal.
func (s *Service) RevokeLink(ctx context.Context, conversationID, linkID string) error {
	now := s.clock.Now()
	if err := s.store.RevokeLink(ctx, linkID, now); err != nil {
		return fmt.Errorf("membership: revoke link: %w", err)
	}
	if err := s.store.QueueRemoval(ctx, domain.PendingRemoval{
		ID:             idgen.New(),
		ConversationID: conversationID,
		LinkID:         linkID,
		QueuedAt:       now,
	}); err != nil {
		return fmt.Errorf("membership: revoke link: queue removal: %w", err)
	}
	return nil
}

// ActiveWrapKeysForConversation fetches a conversation's active members,
// active links, and pending removals and computes the wrap-set coverage a
// rotation submission must exactly match, sparing callers (internal/
// streampipeline, internal/httpapi) from assembling the three slices
// themselves.
func ActiveWrapKeysForConversation(ctx context.Context, store ports.MembershipStore, conversationID string) (map[domain.ConversationMember]struct{}, error) {
	members, err := store.MembersByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("membership: active wrap keys: %w", err)
	}
	links, err := store.LinksByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("membership: active wrap keys: %w", err)
	}
	pending, err := store.PendingRemovals(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("membership: active wrap keys: %w", err)
	}
	return ActiveWrapKeys(members, links, pending), nil
}

// ActiveWrapKeys returns the set of public keys a rotation's wrap set must
// exactly cover: active members plus active links, minus anything already
// queued for removal (spec §4.2 step 3).
func ActiveWrapKeys(members []domain.ConversationMember, links []domain.SharedLink, pending []domain.PendingRemoval) map[domain.ConversationMember]struct{} {
	removedAccounts := make(map[string]struct{}, len(pending))
	removedLinks := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		if p.AccountID != "" {
			removedAccounts[p.AccountID] = struct{}{}
		}
		if p.LinkID != "" {
			removedLinks[p.LinkID] = struct{}{}
		}
	}

	out := make(map[domain.ConversationMember]struct{})
	for _, m := range members {
		if !m.Active() {
			continue
		}
		if _, removed := removedAccounts[m.AccountID]; removed {
			continue
		}
		out[m] = struct{}{}
	}
	for _, l := range links {
		if !l.Active() {
			continue
		}
		if _, removed := removedLinks[l.ID]; removed {
			continue
		}
		out[domain.ConversationMember{AccountID: "", LinkID: l.ID, PublicKey: l.PublicKey, Privilege: l.Privilege}] = struct{}{}
	}
	return out
}
