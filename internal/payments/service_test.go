package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"vaultchat/internal/domain"
	"vaultchat/internal/money"
	"vaultchat/internal/wallet"
)

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
	return f.wallets[id], nil
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
	w := f.wallets[walletID]
	w.Balance = money.Amount(int64(w.Balance) + delta)
	f.wallets[walletID] = w
	return int64(w.Balance), nil
}

func (f *fakeWalletStore) Account(ctx context.Context, id string) (domain.Account, error) {
	return domain.Account{}, nil
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

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeProcessor struct {
	mu         sync.Mutex
	calls      int
	failCalls  int
	txn        Transaction
	neverFound bool
}

func (f *fakeProcessor) FetchTransaction(ctx context.Context, txType, id string) (Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.neverFound || f.calls <= f.failCalls {
		return Transaction{}, ErrTransactionNotFound
	}
	return f.txn, nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (d *fakeDedup) MarkProcessed(ctx context.Context, scope, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := scope + ":" + id
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func newTestService(t *testing.T, proc Processor) (*Service, *fakeWalletStore, *fakeDedup) {
	t.Helper()
	ws := newFakeWalletStore()
	ls := newFakeLedgerStore()
	walletSvc := wallet.NewService(ws, ls, fakeClock{now: time.Now()}, money.Zero, money.Zero)
	dedup := newFakeDedup()
	return NewService(proc, dedup, walletSvc), ws, dedup
}

func TestHandleWebhookCreditsWalletOnFirstDelivery(t *testing.T) {
	ctx := context.Background()
	amount := money.FromCents(1000)
	proc := &fakeProcessor{txn: Transaction{ID: "txn-1", WalletID: "wallet-1", Amount: amount}}
	svc, ws, _ := newTestService(t, proc)

	if err := ws.CreateWallet(ctx, domain.Wallet{ID: "wallet-1", Type: domain.WalletPurchased, Balance: money.Zero}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	if err := svc.HandleWebhook(ctx, "deposit", "txn-1"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	w, _ := ws.Wallet(ctx, "wallet-1")
	if w.Balance != amount {
		t.Fatalf("balance = %s, want %s", w.Balance, amount)
	}
}

func TestHandleWebhookRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	amount := money.FromCents(1000)
	proc := &fakeProcessor{txn: Transaction{ID: "txn-1", WalletID: "wallet-1", Amount: amount}}
	svc, ws, _ := newTestService(t, proc)
	_ = ws.CreateWallet(ctx, domain.Wallet{ID: "wallet-1", Type: domain.WalletPurchased, Balance: money.Zero})

	if err := svc.HandleWebhook(ctx, "deposit", "txn-1"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.HandleWebhook(ctx, "deposit", "txn-1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	w, _ := ws.Wallet(ctx, "wallet-1")
	if w.Balance != amount {
		t.Fatalf("balance after redelivery = %s, want unchanged %s", w.Balance, amount)
	}
}

func TestHandleWebhookRetriesBeforeSucceeding(t *testing.T) {
	ctx := context.Background()
	amount := money.FromCents(500)
	proc := &fakeProcessor{failCalls: 2, txn: Transaction{ID: "txn-1", WalletID: "wallet-1", Amount: amount}}
	svc, ws, _ := newTestService(t, proc)
	_ = ws.CreateWallet(ctx, domain.Wallet{ID: "wallet-1", Type: domain.WalletPurchased, Balance: money.Zero})

	if err := svc.HandleWebhook(ctx, "deposit", "txn-1"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if proc.calls != 3 {
		t.Fatalf("calls = %d, want 3 (2 failures then a success)", proc.calls)
	}
}

func TestHandleWebhookSurfacesErrorAfterExhaustingRetries(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{neverFound: true}
	svc, _, _ := newTestService(t, proc)

	if err := svc.HandleWebhook(ctx, "deposit", "ghost-txn"); err == nil {
		t.Fatal("expected an error once retries are exhausted for an unknown transaction")
	}
	if proc.calls != maxFetchAttempts {
		t.Fatalf("calls = %d, want %d", proc.calls, maxFetchAttempts)
	}
}
