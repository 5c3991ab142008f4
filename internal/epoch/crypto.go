// Package epoch implements spec §4.2's epoch manager: the pure key-lifecycle
// operations (createFirstEpoch, wrapForMember, rotate, traverseChain) and the
// server-side rotation transaction that accepts an already-computed wrap set
// from a client and commits it atomically.
//
// The pure operations in this file operate on private key material and, per
// §4.2, are the client's responsibility in production — the server only ever
// receives wraps and public keys. They live here because they are this
// module's cryptographic vocabulary: reference tooling, the dev-mode AI
// participant (which needs to wrap nothing but does need ConfirmationHash),
// and tests all share it rather than duplicating ECIES call sites.
package epoch

import (
	"fmt"

	"vaultchat/internal/ecies"
)

// FirstEpochResult is the output of CreateFirstEpoch.
type FirstEpochResult struct {
	PrivateKey       ecies.PrivateKey
	PublicKey        ecies.PublicKey
	ConfirmationHash [32]byte
	OwnerWrap        []byte
}

// CreateFirstEpoch generates epoch 1's key pair and wraps its private key
// for the owner, per spec §4.2.
func CreateFirstEpoch(ownerPublicKey ecies.PublicKey) (FirstEpochResult, error) {
	priv, pub, err := ecies.GenerateKeyPair()
	if err != nil {
		return FirstEpochResult{}, fmt.Errorf("epoch: create first epoch: %w", err)
	}
	wrap, err := WrapForMember(priv, ownerPublicKey)
	if err != nil {
		return FirstEpochResult{}, err
	}
	return FirstEpochResult{
		PrivateKey:       priv,
		PublicKey:        pub,
		ConfirmationHash: ecies.ConfirmationHash(priv),
		OwnerWrap:        wrap,
	}, nil
}

// WrapForMember encrypts epochPrivateKey under memberPublicKey, for adding a
// member without triggering a rotation (spec §4.2, §4.3 "Add member").
func WrapForMember(epochPrivateKey ecies.PrivateKey, memberPublicKey ecies.PublicKey) ([]byte, error) {
	wrap, err := ecies.Encrypt(memberPublicKey, epochPrivateKey[:])
	if err != nil {
		return nil, fmt.Errorf("epoch: wrap for member: %w", err)
	}
	return wrap, nil
}

// UnwrapMemberKey reverses WrapForMember: a member decrypts their wrap with
// their own account private key to recover the epoch private key.
func UnwrapMemberKey(memberPrivateKey ecies.PrivateKey, wrap []byte) (ecies.PrivateKey, error) {
	plaintext, err := ecies.Decrypt(memberPrivateKey, wrap)
	if err != nil {
		return ecies.PrivateKey{}, fmt.Errorf("epoch: unwrap member key: %w", err)
	}
	if len(plaintext) != len(ecies.PrivateKey{}) {
		return ecies.PrivateKey{}, fmt.Errorf("epoch: unwrap member key: unexpected plaintext length %d", len(plaintext))
	}
	var priv ecies.PrivateKey
	copy(priv[:], plaintext)
	return priv, nil
}

// RotateResult is the output of Rotate: everything a client submits in its
// /rotation request body, minus the parts the server fills in (epoch
// number).
type RotateResult struct {
	NewPrivateKey    ecies.PrivateKey
	NewPublicKey     ecies.PublicKey
	ConfirmationHash [32]byte
	MemberWraps      map[ecies.PublicKey][]byte
	ChainLink        []byte
}

// Rotate generates a new epoch key pair, wraps it for each remaining member,
// and produces the chain link from old to new (spec §4.2 `rotate`).
func Rotate(oldEpochPrivateKey ecies.PrivateKey, remainingMemberPublicKeys []ecies.PublicKey) (RotateResult, error) {
	newPriv, newPub, err := ecies.GenerateKeyPair()
	if err != nil {
		return RotateResult{}, fmt.Errorf("epoch: rotate: generate new epoch key: %w", err)
	}

	wraps := make(map[ecies.PublicKey][]byte, len(remainingMemberPublicKeys))
	for _, memberPub := range remainingMemberPublicKeys {
		wrap, err := WrapForMember(newPriv, memberPub)
		if err != nil {
			return RotateResult{}, err
		}
		wraps[memberPub] = wrap
	}

	chainLink, err := ecies.Encrypt(newPub, oldEpochPrivateKey[:])
	if err != nil {
		return RotateResult{}, fmt.Errorf("epoch: rotate: chain link: %w", err)
	}

	return RotateResult{
		NewPrivateKey:    newPriv,
		NewPublicKey:     newPub,
		ConfirmationHash: ecies.ConfirmationHash(newPriv),
		MemberWraps:      wraps,
		ChainLink:        chainLink,
	}, nil
}

// TraverseChain decrypts one chain link, recovering the older epoch's
// private key from the newer epoch's private key (spec §4.2). Repeated
// application walks backward M→M-1→…→N+1 to reach epoch N.
func TraverseChain(newerEpochPrivateKey ecies.PrivateKey, chainLink []byte) (ecies.PrivateKey, error) {
	plaintext, err := ecies.Decrypt(newerEpochPrivateKey, chainLink)
	if err != nil {
		return ecies.PrivateKey{}, fmt.Errorf("epoch: traverse chain: %w", err)
	}
	if len(plaintext) != len(ecies.PrivateKey{}) {
		return ecies.PrivateKey{}, fmt.Errorf("epoch: traverse chain: unexpected plaintext length %d", len(plaintext))
	}
	var priv ecies.PrivateKey
	copy(priv[:], plaintext)
	return priv, nil
}
