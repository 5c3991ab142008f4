package billing

import (
	"context"
	"fmt"
	"time"

	"vaultchat/internal/idgen"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
)

// ReservationTTL is the crash-safety TTL from spec §4.5 ("short TTLs (~5
// min) for crash safety").
const ReservationTTL = 5 * time.Minute

// ErrReservationDenied is returned by ReserveGroup and ReserveSingle when
// the ReservationStore declines a key, i.e. when the live reservations
// against it plus maxCost would exceed the store's ceiling (API error
// `balance-reserved`). Current spend, wallet balance and budget caps are
// not part of this check.
var ErrReservationDenied = fmt.Errorf("billing: reservation denied")

// ReservationSet holds the three reservation keys a group-budget send must
// atomically check (spec §4.5: "member reservation, payer reservation,
// conversation-wide reservation").
type ReservationSet struct {
	MemberKey       string
	PayerKey        string
	ConversationKey string
}

// Reserver wraps a ports.ReservationStore with the three-key group-budget
// protocol of spec §4.5.
type Reserver struct {
	store ports.ReservationStore
}

// NewReserver constructs a Reserver.
func NewReserver(store ports.ReservationStore) *Reserver {
	return &Reserver{store: store}
}

// ReserveGroup reserves maxCost against all three keys in set, rolling back
// any partial reservation if a later key is denied.
func (r *Reserver) ReserveGroup(ctx context.Context, set ReservationSet, maxCost money.Amount) (reservationIDs [3]string, err error) {
	keys := [3]string{set.MemberKey, set.PayerKey, set.ConversationKey}
	reserved := 0
	for i, key := range keys {
		if key == "" {
			continue
		}
		id := idgen.New()
		ok, err := r.store.Reserve(ctx, id, key, int64(maxCost), ReservationTTL)
		if err != nil {
			r.rollback(ctx, reservationIDs[:reserved])
			return [3]string{}, fmt.Errorf("billing: reserve group: %w", err)
		}
		if !ok {
			r.rollback(ctx, reservationIDs[:reserved])
			return [3]string{}, ErrReservationDenied
		}
		reservationIDs[i] = id
		reserved = i + 1
	}
	return reservationIDs, nil
}

func (r *Reserver) rollback(ctx context.Context, reservationIDs []string) {
	for _, id := range reservationIDs {
		if id == "" {
			continue
		}
		_ = r.store.Release(ctx, id)
	}
}

// Release releases every non-empty reservation id in ids, used on stream
// completion (success or failure) per spec §4.5 step 4.
func (r *Reserver) Release(ctx context.Context, ids [3]string) error {
	var firstErr error
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := r.store.Release(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("billing: release: %w", err)
		}
	}
	return firstErr
}

// ReserveSingle reserves maxCost against a single key, for the simpler
// self-pay path (sender == owner, no group budget involved).
func (r *Reserver) ReserveSingle(ctx context.Context, key string, maxCost money.Amount) (string, error) {
	id := idgen.New()
	ok, err := r.store.Reserve(ctx, id, key, int64(maxCost), ReservationTTL)
	if err != nil {
		return "", fmt.Errorf("billing: reserve single: %w", err)
	}
	if !ok {
		return "", ErrReservationDenied
	}
	return id, nil
}
