// Package rediscache implements the Redis-backed speculative-reservation
// protocol of spec §4.5/§4.7 against github.com/redis/go-redis/v9, grounded
// on the billing reservation patterns shown by the pack's sandbox-billing
// reference code: a narrow Go wrapper around a handful of Lua scripts run
// with redis.Script.Run, so every check-then-act sequence against shared
// reservation state executes as one atomic round trip.
//
// ports.ReservationStore.Reserve's signature carries no balance parameter,
// and the real balance lives in internal/store/pebblestore, a store this
// package has no connection to. The authoritative balance check already
// happens synchronously at debit time in internal/wallet.Service, via
// pebblestore's per-wallet lock and atomic AdjustBalance. Store here
// instead enforces a configured per-key reservation ceiling: a
// defense-in-depth cap on how much can be held speculatively against one
// key at once, independent of (and smaller than, in practice) the wallet's
// real balance, guarding against a runaway client opening far more
// concurrent streams against one payer than any plausible balance could
// cover. See DESIGN.md's reservation-ceiling entry.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vaultchat/internal/ports"
)

func reservationKey(reservationID string) string {
	return "vaultchat:reservation:" + reservationID
}

func walletSetKey(walletKey string) string {
	return "vaultchat:reservations_by_key:" + walletKey
}

// reserveScript atomically sums the non-expired reservations already held
// against walletSetKey (pruning any whose reservation key has since
// expired), and only admits the new reservation if the running total plus
// amount stays within ceiling.
var reserveScript = redis.NewScript(`
local reservationKey = KEYS[1]
local setKey = KEYS[2]
local reservationID = ARGV[1]
local walletKey = ARGV[2]
local amount = tonumber(ARGV[3])
local ttlSeconds = tonumber(ARGV[4])
local ceiling = tonumber(ARGV[5])

local members = redis.call('SMEMBERS', setKey)
local total = 0
for _, id in ipairs(members) do
	local v = redis.call('GET', 'vaultchat:reservation:' .. id)
	if v then
		local _, _, amt = string.find(v, '^(%-?%d+):')
		total = total + tonumber(amt)
	else
		redis.call('SREM', setKey, id)
	end
end

if total + amount > ceiling then
	return 0
end

redis.call('SET', reservationKey, amount .. ':' .. walletKey, 'EX', ttlSeconds)
redis.call('SADD', setKey, reservationID)
redis.call('EXPIRE', setKey, ttlSeconds)
return 1
`)

// releaseScript removes a reservation and its membership in its key's
// tracking set, regardless of whether the caller calls it Release or
// Commit — the two differ only in what the caller does next, not in what
// this store does.
var releaseScript = redis.NewScript(`
local reservationKey = KEYS[1]
local v = redis.call('GET', reservationKey)
if not v then
	return 0
end
local _, colon = string.find(v, ':')
local walletKey = string.sub(v, colon + 1)
redis.call('DEL', reservationKey)
redis.call('SREM', 'vaultchat:reservations_by_key:' .. walletKey, ARGV[1])
return 1
`)

// reservedTotalScript sums non-expired reservations against walletSetKey,
// pruning stale set members as it goes, same as reserveScript's bookkeeping
// pass but without attempting to admit a new reservation.
var reservedTotalScript = redis.NewScript(`
local setKey = KEYS[1]
local members = redis.call('SMEMBERS', setKey)
local total = 0
for _, id in ipairs(members) do
	local v = redis.call('GET', 'vaultchat:reservation:' .. id)
	if v then
		local _, _, amt = string.find(v, '^(%-?%d+):')
		total = total + tonumber(amt)
	else
		redis.call('SREM', setKey, id)
	end
end
return total
`)

// Store implements ports.ReservationStore over a shared Redis instance.
type Store struct {
	client  redis.UniversalClient
	ceiling int64
}

// New constructs a Store. ceiling bounds the sum of concurrently live
// reservations against any one key (see the package doc comment); pass the
// configured reservation-ceiling value from spec §4.5's environment
// variable list.
func New(client redis.UniversalClient, ceiling int64) *Store {
	return &Store{client: client, ceiling: ceiling}
}

var _ ports.ReservationStore = (*Store)(nil)

// Reserve implements ports.ReservationStore.Reserve.
func (s *Store) Reserve(ctx context.Context, reservationID, walletID string, amount int64, ttl time.Duration) (bool, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{reservationKey(reservationID), walletSetKey(walletID)},
		reservationID, walletID, amount, int64(ttl/time.Second), s.ceiling,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rediscache: reserve: %w", err)
	}
	return res == 1, nil
}

// Release implements ports.ReservationStore.Release.
func (s *Store) Release(ctx context.Context, reservationID string) error {
	_, err := releaseScript.Run(ctx, s.client,
		[]string{reservationKey(reservationID)},
		reservationID,
	).Int()
	if err != nil {
		return fmt.Errorf("rediscache: release: %w", err)
	}
	return nil
}

// Commit implements ports.ReservationStore.Commit. Operationally identical
// to Release; kept as a distinct method so callers (internal/billing) read
// as committing rather than discarding, and so a future divergence (e.g.
// recording a committed-reservation audit key) has a home without
// reshaping the interface.
func (s *Store) Commit(ctx context.Context, reservationID string) error {
	_, err := releaseScript.Run(ctx, s.client,
		[]string{reservationKey(reservationID)},
		reservationID,
	).Int()
	if err != nil {
		return fmt.Errorf("rediscache: commit: %w", err)
	}
	return nil
}

// ReservedTotal implements ports.ReservationStore.ReservedTotal.
func (s *Store) ReservedTotal(ctx context.Context, walletID string) (int64, error) {
	total, err := reservedTotalScript.Run(ctx, s.client,
		[]string{walletSetKey(walletID)},
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("rediscache: reserved total: %w", err)
	}
	return total, nil
}
