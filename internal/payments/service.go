package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultchat/internal/wallet"
)

// maxFetchAttempts bounds the internal retries spec §7 requires before an
// unknown-transaction webhook surfaces 500 ("retried internally with
// bounded attempts before surfacing 500 so the payment processor retries
// later").
const maxFetchAttempts = 3

// retryBackoff separates internal retry attempts; kept short because the
// HTTP caller (the processor) is itself waiting on this request.
const retryBackoff = 200 * time.Millisecond

// Dedup is the idempotency guard a Service uses to make processor retries
// safe. internal/store/rediscache.WebhookDedup satisfies this.
type Dedup interface {
	MarkProcessed(ctx context.Context, scope, id string) (firstTime bool, err error)
}

// Processor resolves a webhook's {type, id} into the transaction details
// needed to credit a wallet. *Client satisfies this against a real
// processor; tests supply a fake.
type Processor interface {
	FetchTransaction(ctx context.Context, txType, id string) (Transaction, error)
}

// Service implements spec §6's `POST /webhooks/payment` handler logic:
// idempotent, retry-tolerant crediting of the wallet named by an external
// processor's transaction.
type Service struct {
	processor Processor
	dedup     Dedup
	wallets   *wallet.Service
}

// NewService constructs a payments Service.
func NewService(processor Processor, dedup Dedup, wallets *wallet.Service) *Service {
	return &Service{processor: processor, dedup: dedup, wallets: wallets}
}

// HandleWebhook implements spec §7's webhook propagation policy: the
// referenced transaction is looked up with bounded internal retries before
// an unknown transaction surfaces as an error for the caller to turn into
// HTTP 500. A transaction already marked processed (redelivery) is a
// success no-op.
func (s *Service) HandleWebhook(ctx context.Context, txType, id string) error {
	var (
		txn Transaction
		err error
	)
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		txn, err = s.processor.FetchTransaction(ctx, txType, id)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return fmt.Errorf("payments: handle webhook: %w", err)
		}
		if attempt < maxFetchAttempts-1 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("payments: handle webhook: transaction %s unresolved after %d attempts: %w", id, maxFetchAttempts, err)
	}

	firstTime, err := s.dedup.MarkProcessed(ctx, txType, id)
	if err != nil {
		return fmt.Errorf("payments: handle webhook: dedup: %w", err)
	}

	if err := s.wallets.Deposit(ctx, txn.WalletID, txn.ID, txn.Amount, !firstTime); err != nil {
		return fmt.Errorf("payments: handle webhook: deposit: %w", err)
	}
	return nil
}
