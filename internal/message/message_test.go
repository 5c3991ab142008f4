package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"vaultchat/internal/domain"
	"vaultchat/internal/money"
)

type fakeStore struct {
	mu             sync.Mutex
	messages       map[string][]domain.Message
	byClientID     map[string]domain.Message
	sharedMessages map[string]domain.SharedMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:       make(map[string][]domain.Message),
		byClientID:     make(map[string]domain.Message),
		sharedMessages: make(map[string]domain.SharedMessage),
	}
}

func (f *fakeStore) CommitMessagePair(ctx context.Context, userMsg domain.Message, aiMsg *domain.Message, usage *domain.UsageRecord, completion *domain.LLMCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[userMsg.ConversationID] = append(f.messages[userMsg.ConversationID], userMsg)
	if aiMsg != nil {
		f.messages[aiMsg.ConversationID] = append(f.messages[aiMsg.ConversationID], *aiMsg)
	}
	return nil
}

func (f *fakeStore) Messages(ctx context.Context, conversationID string, fromSequence int64, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages[conversationID] {
		if m.SequenceNumber >= fromSequence {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MessageByClientID(ctx context.Context, conversationID, clientMessageID string) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byClientID[conversationID+":"+clientMessageID]
	return m, ok, nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) CreateSharedMessage(ctx context.Context, m domain.SharedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sharedMessages[m.ID] = m
	return nil
}

func (f *fakeStore) SharedMessage(ctx context.Context, id string) (domain.SharedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.sharedMessages[id]
	if !ok {
		return domain.SharedMessage{}, errNotFound
	}
	return m, nil
}

func (f *fakeStore) markClientID(conversationID, clientMessageID string, m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byClientID[conversationID+":"+clientMessageID] = m
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

const errNotFound = notFoundError("not found")

func TestCommitPairInsertsBothMessages(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := NewStore(store, fakeClock{now: time.Now()})

	user, ai, err := s.CommitPair(ctx, CommitPairInput{
		ConversationID:  "c1",
		EpochNumber:     1,
		UserSequence:    1,
		AISequence:      2,
		SenderAccountID: "acct-1",
		PayerAccountID:  "acct-1",
		Cost:            money.FromInt(1),
		UserBlob:        []byte("user-blob"),
		AIBlob:          []byte("ai-blob"),
	})
	if err != nil {
		t.Fatalf("CommitPair: %v", err)
	}
	if user.SenderType != domain.SenderUser || ai.SenderType != domain.SenderAI {
		t.Fatalf("unexpected sender types: user=%v ai=%v", user.SenderType, ai.SenderType)
	}

	msgs, err := s.List(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
}

func TestCommitPairRejectsDuplicateClientMessageID(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := NewStore(store, fakeClock{now: time.Now()})
	store.markClientID("c1", "client-msg-1", domain.Message{ID: "existing"})

	_, _, err := s.CommitPair(ctx, CommitPairInput{ConversationID: "c1", ClientMessageID: "client-msg-1"})
	if err != ErrDuplicateClientMessage {
		t.Fatalf("err = %v, want ErrDuplicateClientMessage", err)
	}
}

func TestCommitUserOnlyInsertsSingleMessageNoAI(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := NewStore(store, fakeClock{now: time.Now()})

	msg, err := s.CommitUserOnly(ctx, "c1", 1, 5, "acct-1", "", []byte("blob"))
	if err != nil {
		t.Fatalf("CommitUserOnly: %v", err)
	}
	if msg.SequenceNumber != 5 {
		t.Fatalf("SequenceNumber = %d, want 5", msg.SequenceNumber)
	}
	msgs, err := s.List(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(msgs))
	}
}

func TestDeleteRemovesMessage(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := NewStore(store, fakeClock{now: time.Now()})

	msg, err := s.CommitUserOnly(ctx, "c1", 1, 1, "acct-1", "", []byte("blob"))
	if err != nil {
		t.Fatalf("CommitUserOnly: %v", err)
	}
	if err := s.Delete(ctx, "c1", msg.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	msgs, err := s.List(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected message deleted, got %d remaining", len(msgs))
	}
}
