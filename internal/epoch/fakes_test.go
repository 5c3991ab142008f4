package epoch

import (
	"context"
	"sync"
	"time"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
)

type fakeEpochStore struct {
	mu     sync.Mutex
	epochs map[string]map[int64]domain.Epoch // conversationID -> number -> epoch
	wraps  map[string][]domain.MemberWrap    // epochID -> wraps
}

func newFakeEpochStore() *fakeEpochStore {
	return &fakeEpochStore{
		epochs: make(map[string]map[int64]domain.Epoch),
		wraps:  make(map[string][]domain.MemberWrap),
	}
}

func (f *fakeEpochStore) CreateEpoch(ctx context.Context, e domain.Epoch, wraps []domain.MemberWrap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epochs[e.ConversationID] == nil {
		f.epochs[e.ConversationID] = make(map[int64]domain.Epoch)
	}
	f.epochs[e.ConversationID][e.Number] = e
	f.wraps[e.ID] = append([]domain.MemberWrap{}, wraps...)
	return nil
}

func (f *fakeEpochStore) Epoch(ctx context.Context, conversationID string, number int64) (domain.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.epochs[conversationID][number]
	if !ok {
		return domain.Epoch{}, errNotFound
	}
	return e, nil
}

func (f *fakeEpochStore) LatestEpoch(ctx context.Context, conversationID string) (domain.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best domain.Epoch
	found := false
	for n, e := range f.epochs[conversationID] {
		if !found || n > best.Number {
			best = e
			found = true
		}
	}
	if !found {
		return domain.Epoch{}, errNotFound
	}
	return best, nil
}

func (f *fakeEpochStore) EpochsFrom(ctx context.Context, conversationID string, fromNumber int64) ([]domain.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Epoch
	for n, e := range f.epochs[conversationID] {
		if n >= fromNumber {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEpochStore) MemberWrap(ctx context.Context, epochID string, memberPublicKey ecies.PublicKey) (domain.MemberWrap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wraps[epochID] {
		if w.MemberPublicKey == memberPublicKey {
			return w, nil
		}
	}
	return domain.MemberWrap{}, errNotFound
}

func (f *fakeEpochStore) WrapsForEpoch(ctx context.Context, epochID string) ([]domain.MemberWrap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MemberWrap{}, f.wraps[epochID]...), nil
}

type fakeConversationStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{conversations: make(map[string]domain.Conversation)}
}

func (f *fakeConversationStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeConversationStore) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return domain.Conversation{}, errNotFound
	}
	return c, nil
}

func (f *fakeConversationStore) SetRotationPending(ctx context.Context, conversationID string, pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[conversationID]
	c.RotationPending = pending
	f.conversations[conversationID] = c
	return nil
}

func (f *fakeConversationStore) NextSequenceNumber(ctx context.Context, conversationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[conversationID]
	c.NextSequence++
	f.conversations[conversationID] = c
	return c.NextSequence, nil
}

func (f *fakeConversationStore) SetCurrentEpoch(ctx context.Context, conversationID string, epochNumber int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[conversationID]
	c.CurrentEpoch = epochNumber
	f.conversations[conversationID] = c
	return nil
}

func (f *fakeConversationStore) SetTitle(ctx context.Context, conversationID string, blob []byte, epochNumber int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[conversationID]
	c.TitleBlob = blob
	c.TitleEpochNumber = epochNumber
	f.conversations[conversationID] = c
	return nil
}

type fakeMembershipStore struct {
	mu       sync.Mutex
	members  map[string][]domain.ConversationMember
	links    map[string]domain.SharedLink
	pending  map[string][]domain.PendingRemoval
	budgets  map[string]domain.MemberBudget
	spending map[string]domain.ConversationSpending
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{
		members:  make(map[string][]domain.ConversationMember),
		links:    make(map[string]domain.SharedLink),
		pending:  make(map[string][]domain.PendingRemoval),
		budgets:  make(map[string]domain.MemberBudget),
		spending: make(map[string]domain.ConversationSpending),
	}
}

func (f *fakeMembershipStore) AddMember(ctx context.Context, m domain.ConversationMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.ConversationID] = append(f.members[m.ConversationID], m)
	return nil
}

func (f *fakeMembershipStore) Member(ctx context.Context, conversationID, accountID string) (domain.ConversationMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[conversationID] {
		if m.AccountID == accountID {
			return m, nil
		}
	}
	return domain.ConversationMember{}, errNotFound
}

func (f *fakeMembershipStore) MembersByConversation(ctx context.Context, conversationID string) ([]domain.ConversationMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConversationMember{}, f.members[conversationID]...), nil
}

func (f *fakeMembershipStore) RemoveMember(ctx context.Context, conversationID, accountID string, leftAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.members[conversationID]
	for i := range members {
		if members[i].AccountID == accountID {
			t := leftAt
			members[i].LeftAt = &t
		}
	}
	return nil
}

func (f *fakeMembershipStore) CreateLink(ctx context.Context, l domain.SharedLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[l.ID] = l
	return nil
}
func (f *fakeMembershipStore) Link(ctx context.Context, linkID string) (domain.SharedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[linkID]
	if !ok {
		return domain.SharedLink{}, errNotFound
	}
	return l, nil
}
func (f *fakeMembershipStore) LinksByConversation(ctx context.Context, conversationID string) ([]domain.SharedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SharedLink
	for _, l := range f.links {
		if l.ConversationID == conversationID {
			out = append(out, l)
		}
	}
	return out, nil
}
func (f *fakeMembershipStore) RevokeLink(ctx context.Context, linkID string, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.links[linkID]
	t := revokedAt
	l.RevokedAt = &t
	f.links[linkID] = l
	return nil
}

func (f *fakeMembershipStore) QueueRemoval(ctx context.Context, p domain.PendingRemoval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[p.ConversationID] = append(f.pending[p.ConversationID], p)
	return nil
}

func (f *fakeMembershipStore) PendingRemovals(ctx context.Context, conversationID string) ([]domain.PendingRemoval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PendingRemoval{}, f.pending[conversationID]...), nil
}

func (f *fakeMembershipStore) ClearPendingRemovals(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, conversationID)
	return nil
}

func (f *fakeMembershipStore) MemberBudget(ctx context.Context, conversationID, accountID string) (domain.MemberBudget, error) {
	return domain.MemberBudget{}, nil
}
func (f *fakeMembershipStore) SetMemberBudget(ctx context.Context, b domain.MemberBudget) error {
	return nil
}
func (f *fakeMembershipStore) IncrementMemberSpend(ctx context.Context, conversationID, accountID string, delta int64) error {
	return nil
}
func (f *fakeMembershipStore) ConversationSpending(ctx context.Context, conversationID string) (domain.ConversationSpending, error) {
	return domain.ConversationSpending{}, nil
}
func (f *fakeMembershipStore) IncrementConversationSpend(ctx context.Context, conversationID string, delta int64) error {
	return nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

const errNotFound = notFoundError("not found")
