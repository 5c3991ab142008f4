// Package idgen mints the opaque entity identifiers used throughout the
// data model (spec §3: account, wallet, ledger entry, conversation, epoch,
// member, link, message ids are all "id" with no semantic structure).
package idgen

import "github.com/google/uuid"

// New returns a fresh random (v4) identifier string.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is a syntactically valid identifier minted by
// New (any string uuid.Parse accepts). The API handlers do not call it;
// client-supplied ids are stored as received.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
