package pebblestore

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"vaultchat/internal/domain"
	"vaultchat/internal/money"
)

func memberKey(conversationID, accountID string) []byte {
	return key("member", conversationID, accountID)
}

func memberPrefix(conversationID string) []byte {
	return key("member", conversationID, "")
}

func linkKey(linkID string) []byte {
	return key("link", linkID)
}

func linkByConvKey(conversationID, linkID string) []byte {
	return key("link_by_conv", conversationID, linkID)
}

func linkByConvPrefix(conversationID string) []byte {
	return key("link_by_conv", conversationID, "")
}

func pendingRemovalKey(conversationID, id string) []byte {
	return key("pending_removal", conversationID, id)
}

func pendingRemovalPrefix(conversationID string) []byte {
	return key("pending_removal", conversationID, "")
}

func memberBudgetKey(conversationID, accountID string) []byte {
	return key("member_budget", conversationID, accountID)
}

func conversationSpendingKey(conversationID string) []byte {
	return key("conv_spending", conversationID)
}

// AddMember inserts a new membership row.
func (s *Store) AddMember(ctx context.Context, m domain.ConversationMember) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, memberKey(m.ConversationID, m.AccountID), m); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: add member: %w", err)
	}
	return nil
}

// Member returns the membership row of accountID in conversationID.
func (s *Store) Member(ctx context.Context, conversationID, accountID string) (domain.ConversationMember, error) {
	var m domain.ConversationMember
	found, err := s.get(memberKey(conversationID, accountID), &m)
	if err != nil {
		return domain.ConversationMember{}, fmt.Errorf("pebblestore: member: %w", err)
	}
	if !found {
		return domain.ConversationMember{}, ErrNotFound
	}
	return m, nil
}

// MembersByConversation lists every membership row (active and departed)
// for conversationID.
func (s *Store) MembersByConversation(ctx context.Context, conversationID string) ([]domain.ConversationMember, error) {
	var out []domain.ConversationMember
	err := s.iteratePrefix(memberPrefix(conversationID), func(k, v []byte) (bool, error) {
		var m domain.ConversationMember
		if err := unmarshalInto(v, &m); err != nil {
			return false, err
		}
		out = append(out, m)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: members by conversation: %w", err)
	}
	return out, nil
}

// RemoveMember marks a membership row departed as of leftAt.
func (s *Store) RemoveMember(ctx context.Context, conversationID, accountID string, leftAt time.Time) error {
	var m domain.ConversationMember
	found, err := s.get(memberKey(conversationID, accountID), &m)
	if err != nil {
		return fmt.Errorf("pebblestore: remove member: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	m.LeftAt = &leftAt

	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, memberKey(conversationID, accountID), m); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: remove member: %w", err)
	}
	return nil
}

// CreateLink inserts a new shared-link row plus its by-conversation index
// entry, matching the wallet-by-owner index pattern used elsewhere in this
// package for one-to-many lookups Pebble's flat keyspace can't express
// directly.
func (s *Store) CreateLink(ctx context.Context, l domain.SharedLink) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, linkKey(l.ID), l); err != nil {
		return err
	}
	if err := b.Set(linkByConvKey(l.ConversationID, l.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: create link: %w", err)
	}
	return nil
}

// Link returns the shared-link row for linkID.
func (s *Store) Link(ctx context.Context, linkID string) (domain.SharedLink, error) {
	var l domain.SharedLink
	found, err := s.get(linkKey(linkID), &l)
	if err != nil {
		return domain.SharedLink{}, fmt.Errorf("pebblestore: link: %w", err)
	}
	if !found {
		return domain.SharedLink{}, ErrNotFound
	}
	return l, nil
}

// LinksByConversation lists every shared link (active and revoked) minted
// for conversationID.
func (s *Store) LinksByConversation(ctx context.Context, conversationID string) ([]domain.SharedLink, error) {
	var ids []string
	err := s.iteratePrefix(linkByConvPrefix(conversationID), func(k, v []byte) (bool, error) {
		ids = append(ids, string(k[len(linkByConvPrefix(conversationID)):]))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: links by conversation: %w", err)
	}

	out := make([]domain.SharedLink, 0, len(ids))
	for _, id := range ids {
		l, err := s.Link(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pebblestore: links by conversation: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// RevokeLink marks a shared link revoked as of revokedAt.
func (s *Store) RevokeLink(ctx context.Context, linkID string, revokedAt time.Time) error {
	var l domain.SharedLink
	found, err := s.get(linkKey(linkID), &l)
	if err != nil {
		return fmt.Errorf("pebblestore: revoke link: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	l.RevokedAt = &revokedAt

	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, linkKey(linkID), l); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: revoke link: %w", err)
	}
	return nil
}

// QueueRemoval appends a pending-removal row, drained on the next rotation
// (spec §4.2 step 3).
func (s *Store) QueueRemoval(ctx context.Context, p domain.PendingRemoval) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := set(b, pendingRemovalKey(p.ConversationID, p.ID), p); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: queue removal: %w", err)
	}
	return nil
}

// PendingRemovals lists every queued removal for conversationID.
func (s *Store) PendingRemovals(ctx context.Context, conversationID string) ([]domain.PendingRemoval, error) {
	var out []domain.PendingRemoval
	err := s.iteratePrefix(pendingRemovalPrefix(conversationID), func(k, v []byte) (bool, error) {
		var p domain.PendingRemoval
		if err := unmarshalInto(v, &p); err != nil {
			return false, err
		}
		out = append(out, p)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: pending removals: %w", err)
	}
	return out, nil
}

// ClearPendingRemovals drops every queued removal for conversationID once a
// rotation has absorbed them.
func (s *Store) ClearPendingRemovals(ctx context.Context, conversationID string) error {
	b := s.db.NewBatch()
	defer b.Close()

	prefix := pendingRemovalPrefix(conversationID)
	err := s.iteratePrefix(prefix, func(k, v []byte) (bool, error) {
		return true, b.Delete(k, nil)
	})
	if err != nil {
		return fmt.Errorf("pebblestore: clear pending removals: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: clear pending removals: %w", err)
	}
	return nil
}

// MemberBudget returns the per-(conversation, account) budget row, or a
// zero-value row if none has been set, per spec §3's "absent row is
// equivalent to a zero budget cap and zero spend."
func (s *Store) MemberBudget(ctx context.Context, conversationID, accountID string) (domain.MemberBudget, error) {
	var b domain.MemberBudget
	found, err := s.get(memberBudgetKey(conversationID, accountID), &b)
	if err != nil {
		return domain.MemberBudget{}, fmt.Errorf("pebblestore: member budget: %w", err)
	}
	if !found {
		return domain.MemberBudget{ConversationID: conversationID, AccountID: accountID}, nil
	}
	return b, nil
}

// SetMemberBudget upserts a member's budget cap.
func (s *Store) SetMemberBudget(ctx context.Context, b domain.MemberBudget) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := set(batch, memberBudgetKey(b.ConversationID, b.AccountID), b); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: set member budget: %w", err)
	}
	return nil
}

// IncrementMemberSpend atomically adds delta (fixed-point ticks) to a
// member's recorded spend, serialized per (conversation, account) the same
// way wallet balances are serialized.
func (s *Store) IncrementMemberSpend(ctx context.Context, conversationID, accountID string, delta int64) error {
	lock := s.lockFor("member-spend:" + conversationID + ":" + accountID)
	lock.Lock()
	defer lock.Unlock()

	b, err := s.MemberBudget(ctx, conversationID, accountID)
	if err != nil {
		return err
	}
	b.Spent += money.Amount(delta)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := set(batch, memberBudgetKey(conversationID, accountID), b); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: increment member spend: %w", err)
	}
	return nil
}

// ConversationSpending returns the conversation's owner-covered spend
// accumulator, or a zero-value row if none has accrued yet.
func (s *Store) ConversationSpending(ctx context.Context, conversationID string) (domain.ConversationSpending, error) {
	var cs domain.ConversationSpending
	found, err := s.get(conversationSpendingKey(conversationID), &cs)
	if err != nil {
		return domain.ConversationSpending{}, fmt.Errorf("pebblestore: conversation spending: %w", err)
	}
	if !found {
		return domain.ConversationSpending{ConversationID: conversationID}, nil
	}
	return cs, nil
}

// IncrementConversationSpend atomically adds delta (fixed-point ticks) to a
// conversation's owner-covered spend accumulator.
func (s *Store) IncrementConversationSpend(ctx context.Context, conversationID string, delta int64) error {
	lock := s.lockFor("conv-spend:" + conversationID)
	lock.Lock()
	defer lock.Unlock()

	cs, err := s.ConversationSpending(ctx, conversationID)
	if err != nil {
		return err
	}
	cs.TotalSpent += money.Amount(delta)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := set(batch, conversationSpendingKey(conversationID), cs); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: increment conversation spend: %w", err)
	}
	return nil
}
