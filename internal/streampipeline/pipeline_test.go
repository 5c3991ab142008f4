package streampipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"vaultchat/internal/billing"
	"vaultchat/internal/broadcast"
	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
	"vaultchat/internal/epoch"
	"vaultchat/internal/llm"
	"vaultchat/internal/membership"
	"vaultchat/internal/message"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
	"vaultchat/internal/wallet"
)

// --- fakes: one hand-written in-memory implementation per port, mirroring
// the style already used in epoch/membership/wallet/message/billing tests.

type fakeEpochStore struct {
	mu     sync.Mutex
	epochs map[string]map[int64]domain.Epoch
	wraps  map[string][]domain.MemberWrap
}

func newFakeEpochStore() *fakeEpochStore {
	return &fakeEpochStore{epochs: make(map[string]map[int64]domain.Epoch), wraps: make(map[string][]domain.MemberWrap)}
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
			best, found = e, true
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budgets[conversationID+":"+accountID], nil
}
func (f *fakeMembershipStore) SetMemberBudget(ctx context.Context, b domain.MemberBudget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets[b.ConversationID+":"+b.AccountID] = b
	return nil
}
func (f *fakeMembershipStore) IncrementMemberSpend(ctx context.Context, conversationID, accountID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := conversationID + ":" + accountID
	b := f.budgets[key]
	b.Spent = money.Amount(int64(b.Spent) + delta)
	f.budgets[key] = b
	return nil
}
func (f *fakeMembershipStore) ConversationSpending(ctx context.Context, conversationID string) (domain.ConversationSpending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spending[conversationID], nil
}
func (f *fakeMembershipStore) IncrementConversationSpend(ctx context.Context, conversationID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.spending[conversationID]
	s.TotalSpent = money.Amount(int64(s.TotalSpent) + delta)
	f.spending[conversationID] = s
	return nil
}

type fakeWalletStore struct {
	mu      sync.Mutex
	wallets map[string]domain.Wallet
	byOwner map[string][]string
}

func newFakeWalletStore() *fakeWalletStore {
	return &fakeWalletStore{wallets: make(map[string]domain.Wallet), byOwner: make(map[string][]string)}
}

func (f *fakeWalletStore) CreateWallet(ctx context.Context, w domain.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[w.ID] = w
	f.byOwner[w.OwnerID] = append(f.byOwner[w.OwnerID], w.ID)
	return nil
}

func (f *fakeWalletStore) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return domain.Wallet{}, errNotFound
	}
	return w, nil
}

func (f *fakeWalletStore) WalletsByOwner(ctx context.Context, ownerID string) ([]domain.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Wallet
	for _, id := range f.byOwner[ownerID] {
		out = append(out, f.wallets[id])
	}
	return out, nil
}

func (f *fakeWalletStore) AdjustBalance(ctx context.Context, walletID string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[walletID]
	if !ok {
		return 0, errNotFound
	}
	w.Balance = money.Amount(int64(w.Balance) + delta)
	f.wallets[walletID] = w
	return int64(w.Balance), nil
}

func (f *fakeWalletStore) Account(ctx context.Context, id string) (domain.Account, error) {
	return domain.Account{}, errNotFound
}

type fakeLedgerStore struct {
	mu      sync.Mutex
	entries map[string][]domain.LedgerEntry
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{entries: make(map[string][]domain.LedgerEntry)}
}

func (f *fakeLedgerStore) AppendEntry(ctx context.Context, e domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.WalletID] = append(f.entries[e.WalletID], e)
	return nil
}

func (f *fakeLedgerStore) EntriesByWallet(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LedgerEntry{}, f.entries[walletID]...), nil
}

type fakeMessageStore struct {
	mu         sync.Mutex
	messages   map[string][]domain.Message
	byClientID map[string]domain.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string][]domain.Message), byClientID: make(map[string]domain.Message)}
}

func (f *fakeMessageStore) CommitMessagePair(ctx context.Context, userMsg domain.Message, aiMsg *domain.Message, usage *domain.UsageRecord, completion *domain.LLMCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[userMsg.ConversationID] = append(f.messages[userMsg.ConversationID], userMsg)
	if aiMsg != nil {
		f.messages[aiMsg.ConversationID] = append(f.messages[aiMsg.ConversationID], *aiMsg)
	}
	if userMsg.ID != "" {
		f.byClientID[userMsg.ConversationID+":"+userMsg.ID] = userMsg
	}
	return nil
}

func (f *fakeMessageStore) Messages(ctx context.Context, conversationID string, fromSequence int64, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message{}, f.messages[conversationID]...), nil
}

func (f *fakeMessageStore) MessageByClientID(ctx context.Context, conversationID, clientMessageID string) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[conversationID] {
		if clientMessageID != "" && m.ID == clientMessageID {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (f *fakeMessageStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}

func (f *fakeMessageStore) CreateSharedMessage(ctx context.Context, m domain.SharedMessage) error {
	return nil
}

func (f *fakeMessageStore) SharedMessage(ctx context.Context, id string) (domain.SharedMessage, error) {
	return domain.SharedMessage{}, errNotFound
}

type fakeReservationStore struct {
	mu           sync.Mutex
	reservations map[string]int64
	denyKeys     map[string]bool
}

func newFakeReservationStore() *fakeReservationStore {
	return &fakeReservationStore{reservations: make(map[string]int64), denyKeys: make(map[string]bool)}
}

func (f *fakeReservationStore) Reserve(ctx context.Context, reservationID, walletID string, amount int64, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyKeys[walletID] {
		return false, nil
	}
	f.reservations[reservationID] = amount
	return true, nil
}

func (f *fakeReservationStore) Release(ctx context.Context, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reservations, reservationID)
	return nil
}

func (f *fakeReservationStore) Commit(ctx context.Context, reservationID string) error {
	return f.Release(ctx, reservationID)
}

func (f *fakeReservationStore) ReservedTotal(ctx context.Context, walletID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, v := range f.reservations {
		total += v
	}
	return total, nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

const errNotFound = notFoundError("not found")

// --- test harness

type harness struct {
	epochs        *fakeEpochStore
	conversations *fakeConversationStore
	membershipSt  *fakeMembershipStore
	wallets       *fakeWalletStore
	ledger        *fakeLedgerStore
	messagesStore *fakeMessageStore
	reservations  *fakeReservationStore
	hub           *broadcast.Hub
	pipeline      *Pipeline
	epochMgr      *epoch.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	epochs := newFakeEpochStore()
	conversations := newFakeConversationStore()
	membershipSt := newFakeMembershipStore()
	wallets := newFakeWalletStore()
	ledger := newFakeLedgerStore()
	messagesStore := newFakeMessageStore()
	reservations := newFakeReservationStore()
	hub := broadcast.NewHub()

	epochMgr := epoch.NewManager(epochs, conversations, membershipSt, clock)
	walletSvc := wallet.NewService(wallets, ledger, clock, money.FromInt(5), money.FromInt(10))
	calculator := billing.NewCalculator(0.15, 1)
	reserver := billing.NewReserver(reservations)
	msgStore := message.NewStore(messagesStore, clock)

	pricing := billing.ModelPricing{
		Model:                 "test-model",
		InputPricePerToken:    money.FromCents(1),
		OutputPricePerToken:   money.FromCents(2),
		CharsPerTokenEstimate: 4,
	}

	cfg := Config{
		Pricing:                   map[string]billing.ModelPricing{"test-model": pricing},
		DevMode:                   true,
		MaxOutputTokens:           256,
		MaxAllowedNegativeBalance: money.FromInt(10),
		StreamBatchInterval:       5 * time.Millisecond,
	}

	pipeline := New(epochs, epochMgr, conversations, membershipSt, walletSvc, calculator, reserver, msgStore, hub, llm.NewMockStreamer(""), cfg)

	return &harness{
		epochs:        epochs,
		conversations: conversations,
		membershipSt:  membershipSt,
		wallets:       wallets,
		ledger:        ledger,
		messagesStore: messagesStore,
		reservations:  reservations,
		hub:           hub,
		pipeline:      pipeline,
		epochMgr:      epochMgr,
	}
}

func (h *harness) bootstrapConversation(t *testing.T, convID, ownerID string) ecies.PrivateKey {
	t.Helper()
	ownerPriv, ownerPub, err := ecies.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	first, err := epoch.CreateFirstEpoch(ownerPub)
	if err != nil {
		t.Fatalf("CreateFirstEpoch: %v", err)
	}
	if err := h.epochMgr.Bootstrap(context.Background(), convID, ownerPub, first); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := h.conversations.CreateConversation(context.Background(), domain.Conversation{
		ID:           convID,
		OwnerID:      ownerID,
		CurrentEpoch: 1,
	}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := h.wallets.CreateWallet(context.Background(), domain.Wallet{
		ID: ownerID + "-wallet", OwnerID: ownerID, Type: domain.WalletPurchased, Priority: 0, Balance: money.FromInt(100),
	}); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	return ownerPriv
}

func TestSendSelfPayHappyPathCommitsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.bootstrapConversation(t, "conv-1", "owner-1")

	events, unsubscribe := h.hub.Subscribe("conv-1", "sub-1")
	defer unsubscribe()

	result, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:        "conv-1",
		SenderAccountID:       "owner-1",
		SenderIsAccount:       true,
		SenderPrivilege:       domain.PrivilegeOwner,
		PlaintextPreview:      "hello",
		PlaintextForEpoch:     []byte("hello"),
		PromptForLLM:          []byte("hello"),
		Model:                 "test-model",
		Provider:              "mock",
		DeclaredFundingSource: domain.FundingPersonalBalance,
		LastMessageIsUser:     true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.UserMessage.ID == "" || result.AIMessage.ID == "" {
		t.Fatalf("expected both message ids to be set, got %+v", result)
	}
	if result.AIMessage.SequenceNumber != result.UserMessage.SequenceNumber+1 {
		t.Fatalf("expected consecutive sequence numbers, got user=%d ai=%d", result.UserMessage.SequenceNumber, result.AIMessage.SequenceNumber)
	}

	w, err := h.wallets.Wallet(ctx, "owner-1-wallet")
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	if w.Balance.Cmp(money.FromInt(100)) >= 0 {
		t.Fatalf("expected balance debited below starting amount, got %s", w.Balance)
	}

	var sawNew, sawComplete bool
	drain := true
	for drain {
		select {
		case ev := <-events:
			switch ev.Kind {
			case broadcast.KindMessageNew:
				sawNew = true
			case broadcast.KindMessageComplete:
				sawComplete = true
			}
		default:
			drain = false
		}
	}
	if !sawNew || !sawComplete {
		t.Fatalf("expected both message:new and message:complete to be broadcast, got new=%v complete=%v", sawNew, sawComplete)
	}
}

func TestSendRejectsWhenLastMessageNotUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:    "conv-1",
		SenderAccountID:   "owner-1",
		SenderPrivilege:   domain.PrivilegeOwner,
		LastMessageIsUser: false,
	})
	if !errors.Is(err, ErrLastMessageNotUser) {
		t.Fatalf("err = %v, want ErrLastMessageNotUser", err)
	}
}

func TestSendRejectsInsufficientPrivilege(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:    "conv-1",
		SenderAccountID:   "guest-1",
		SenderPrivilege:   domain.PrivilegeRead,
		LastMessageIsUser: true,
	})
	if !errors.Is(err, membership.ErrPrivilegeInsufficient) {
		t.Fatalf("err = %v, want membership.ErrPrivilegeInsufficient", err)
	}
}

func TestSendReturnsRotationRequiredWithoutSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")

	if err := h.conversations.SetRotationPending(ctx, "conv-1", true); err != nil {
		t.Fatalf("SetRotationPending: %v", err)
	}
	if err := h.membershipSt.QueueRemoval(ctx, domain.PendingRemoval{ID: "pr-1", ConversationID: "conv-1", AccountID: "left-member"}); err != nil {
		t.Fatalf("QueueRemoval: %v", err)
	}

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:        "conv-1",
		SenderAccountID:       "owner-1",
		SenderIsAccount:       true,
		SenderPrivilege:       domain.PrivilegeOwner,
		PromptForLLM:          []byte("hi"),
		Model:                 "test-model",
		DeclaredFundingSource: domain.FundingPersonalBalance,
		LastMessageIsUser:     true,
	})
	var rotErr *RotationRequiredError
	if !errors.As(err, &rotErr) {
		t.Fatalf("err = %v, want *RotationRequiredError", err)
	}
	if len(rotErr.PendingRemovalIDs) != 1 || rotErr.PendingRemovalIDs[0] != "pr-1" {
		t.Fatalf("expected pending removal id pr-1, got %+v", rotErr.PendingRemovalIDs)
	}

	total, err := h.reservations.ReservedTotal(ctx, "owner-1-wallet")
	if err != nil {
		t.Fatalf("ReservedTotal: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected the speculative reservation to be released, got outstanding total %d", total)
	}
}

func TestSendReportsBillingMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:        "conv-1",
		SenderAccountID:       "owner-1",
		SenderIsAccount:       true,
		SenderPrivilege:       domain.PrivilegeOwner,
		PlaintextForEpoch:     []byte("hi"),
		PromptForLLM:          []byte("hi"),
		Model:                 "test-model",
		DeclaredFundingSource: domain.FundingFreeAllowance, // wrong: owner's purchased wallet will be charged
		LastMessageIsUser:     true,
	})
	var mismatch *BillingMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *BillingMismatchError", err)
	}
	if mismatch.ServerResolution != domain.FundingPersonalBalance {
		t.Fatalf("ServerResolution = %v, want FundingPersonalBalance", mismatch.ServerResolution)
	}
}

func TestSendReturnsInsufficientFundsWhenNoWalletCanCover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")
	// Drain the only wallet to zero so even the negative-balance floor can't
	// cover a pessimistic reservation sized off a long prompt.
	if _, err := h.wallets.AdjustBalance(ctx, "owner-1-wallet", -int64(money.FromInt(100))); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:        "conv-1",
		SenderAccountID:       "owner-1",
		SenderIsAccount:       true,
		SenderPrivilege:       domain.PrivilegeOwner,
		PromptForLLM:          []byte(strings.Repeat("x", 2000)),
		Model:                 "test-model",
		DeclaredFundingSource: domain.FundingPersonalBalance,
		LastMessageIsUser:     true,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestSendPropagatesStreamErrorWithoutPersistingOrCharging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")
	h.pipeline.llm = failingStreamer{}

	events, unsubscribe := h.hub.Subscribe("conv-1", "sub-1")
	defer unsubscribe()

	_, err := h.pipeline.Send(ctx, SendRequest{
		ConversationID:        "conv-1",
		SenderAccountID:       "owner-1",
		SenderIsAccount:       true,
		SenderPrivilege:       domain.PrivilegeOwner,
		PlaintextForEpoch:     []byte("hi"),
		PromptForLLM:          []byte("hi"),
		Model:                 "test-model",
		DeclaredFundingSource: domain.FundingPersonalBalance,
		LastMessageIsUser:     true,
	})
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StreamError", err)
	}

	w, err := h.wallets.Wallet(ctx, "owner-1-wallet")
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	if w.Balance != money.FromInt(100) {
		t.Fatalf("expected no charge on stream failure, balance = %s", w.Balance)
	}
	if len(h.messagesStore.messages["conv-1"]) != 0 {
		t.Fatalf("expected no persisted messages on stream failure, got %d", len(h.messagesStore.messages["conv-1"]))
	}

	var sawError bool
	drain := true
	for drain {
		select {
		case ev := <-events:
			if ev.Kind == broadcast.KindMessageError {
				sawError = true
			}
		default:
			drain = false
		}
	}
	if !sawError {
		t.Fatalf("expected a message:error broadcast on stream failure")
	}
}

type failingStreamer struct{}

func (failingStreamer) Stream(ctx context.Context, model string, prompt []byte) (<-chan ports.LLMStreamToken, error) {
	out := make(chan ports.LLMStreamToken, 1)
	out <- ports.LLMStreamToken{Err: errors.New("stream: upstream provider unavailable"), Done: true}
	close(out)
	return out, nil
}

func TestSendUserOnlyAssignsOneSequenceAndBroadcastsWithoutPreview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrapConversation(t, "conv-1", "owner-1")

	events, unsubscribe := h.hub.Subscribe("conv-1", "sub-1")
	defer unsubscribe()

	msg, err := h.pipeline.SendUserOnly(ctx, "conv-1", "owner-1", "", []byte("note to self"))
	if err != nil {
		t.Fatalf("SendUserOnly: %v", err)
	}
	if msg.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", msg.SequenceNumber)
	}

	select {
	case ev := <-events:
		if ev.Kind != broadcast.KindMessageNew {
			t.Fatalf("kind = %s, want message:new", ev.Kind)
		}
		payload, ok := ev.Payload.(broadcast.MessageNewPersisted)
		if !ok {
			t.Fatalf("payload type = %T, want MessageNewPersisted (no plaintext)", ev.Payload)
		}
		if payload.UserMessageID != msg.ID {
			t.Fatalf("UserMessageID = %s, want %s", payload.UserMessageID, msg.ID)
		}
	default:
		t.Fatalf("expected a message:new broadcast")
	}
}
