package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// webhookDedupKey namespaces idempotency markers for external webhook
// deliveries (spec §6's `/webhooks/payment`) separately from reservation
// and rate-limit keys, per the DOMAIN STACK's "idempotent webhook... keys"
// line.
func webhookDedupKey(scope, id string) string {
	return "vaultchat:webhook_seen:" + scope + ":" + id
}

// WebhookDedup marks external-event ids as seen so a payment processor's
// at-least-once retry delivery only applies its effect once, without
// needing a dedicated "processed payments" table alongside pebblestore's
// ledger. ttl bounds how long a given event id is remembered; it should
// comfortably exceed the processor's own retry window.
type WebhookDedup struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewWebhookDedup constructs a WebhookDedup over client, remembering seen
// ids for ttl.
func NewWebhookDedup(client redis.UniversalClient, ttl time.Duration) *WebhookDedup {
	return &WebhookDedup{client: client, ttl: ttl}
}

// MarkProcessed atomically records scope/id as handled and reports whether
// this call is the first time it has been seen (SETNX semantics). A caller
// receiving firstTime=false should treat the webhook as already applied and
// return success without re-crediting any wallet.
func (d *WebhookDedup) MarkProcessed(ctx context.Context, scope, id string) (firstTime bool, err error) {
	ok, err := d.client.SetNX(ctx, webhookDedupKey(scope, id), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: webhook dedup: %w", err)
	}
	return ok, nil
}
