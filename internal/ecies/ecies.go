// Package ecies implements the single encrypted-blob construction used
// everywhere in vaultchat (spec §4.1): X25519 key agreement, HKDF-SHA256 key
// derivation, and XChaCha20-Poly1305 authenticated encryption with an
// all-zero nonce (safe here because the derived symmetric key is unique per
// call — see Encrypt's doc comment). Every encrypted column in the data
// model (epoch wraps, chain links, message blobs, titles, shared-message
// blobs) is one of these blobs.
package ecies

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Version is the single supported blob version byte. decrypt rejects any
// other value outright (spec §4.1: "Reject unknown version").
const Version byte = 0x01

const (
	keySize      = 32
	nonceSize    = 24 // XChaCha20-Poly1305
	tagSize      = 16
	versionSize  = 1
	blobOverhead = versionSize + keySize + tagSize // 49 bytes, per spec
)

const hkdfInfo = "ecies-xchacha20-v1"

// PublicKey is a raw 32-byte X25519 public key.
type PublicKey [keySize]byte

// PrivateKey is a raw 32-byte X25519 private scalar.
type PrivateKey [keySize]byte

// ErrUnsupportedVersion is returned by Decrypt when the blob's version byte
// does not match Version.
var ErrUnsupportedVersion = errors.New("ecies: unsupported blob version")

// ErrBlobTooShort is returned by Decrypt when the blob is shorter than the
// fixed 49-byte overhead.
var ErrBlobTooShort = errors.New("ecies: blob shorter than minimum overhead")

// GenerateKeyPair creates a fresh X25519 key pair using crypto/rand. Used for
// account keys, epoch keys, link keys, and the shared-message share secret.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("ecies: generate private key: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	return priv, pub, nil
}

// Public derives the X25519 public key for a private scalar.
func (p PrivateKey) Public() (PublicKey, error) {
	pubBytes, err := curve25519.X25519(p[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("ecies: derive public key: %w", err)
	}
	var pub PublicKey
	copy(pub[:], pubBytes)
	return pub, nil
}

// Wipe zeroes a private key's backing bytes in place. Callers that hold a
// decrypted epoch/account private key in memory longer than one call should
// Wipe it once no longer needed, mirroring the teacher's wallet.Wipe helper.
func Wipe(p *PrivateKey) {
	for i := range p {
		p[i] = 0
	}
}

// Encrypt implements spec §4.1's encrypt(recipient_public_key, plaintext).
//
// A fresh ephemeral X25519 key pair is generated per call, so the derived
// symmetric key is unique to this one encryption. That uniqueness is why a
// constant (all-zero) nonce never causes key-nonce reuse across distinct
// messages: reusing a nonce is only unsafe when the key repeats too.
func Encrypt(recipient PublicKey, plaintext []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer Wipe(&ephPriv)

	shared, err := curve25519.X25519(ephPriv[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("ecies: key agreement: %w", err)
	}

	key, err := deriveKey(shared, ephPub, recipient)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("ecies: init aead: %w", err)
	}

	nonce := make([]byte, nonceSize) // all-zero, see doc comment above
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, blobOverhead+len(plaintext))
	blob = append(blob, Version)
	blob = append(blob, ephPub[:]...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt implements spec §4.1's decrypt. Authentication failure (tamper or
// wrong key) is reported as an error; callers must treat it as fatal, not
// retryable (spec §4.1).
func Decrypt(recipient PrivateKey, blob []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, ErrBlobTooShort
	}
	if blob[0] != Version {
		return nil, ErrUnsupportedVersion
	}
	var ephPub PublicKey
	copy(ephPub[:], blob[versionSize:versionSize+keySize])
	ciphertext := blob[versionSize+keySize:]

	recipientPub, err := recipient.Public()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(recipient[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("ecies: key agreement: %w", err)
	}

	key, err := deriveKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("ecies: init aead: %w", err)
	}

	nonce := make([]byte, nonceSize)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies: authentication failed: %w", err)
	}
	return plaintext, nil
}

// deriveKey implements the HKDF-SHA256 step of spec §4.1: salt is the
// concatenation of the ephemeral and recipient public keys, info is the
// fixed ASCII string "ecies-xchacha20-v1".
func deriveKey(sharedSecret []byte, ephPub, recipientPub PublicKey) ([]byte, error) {
	salt := make([]byte, 0, 2*keySize)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, recipientPub[:]...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ecies: hkdf: %w", err)
	}
	return key, nil
}

// ConfirmationHash computes the spec §3/§4.2 confirmation hash of an epoch
// private key: a 32-byte SHA-256 digest stored alongside the epoch row for
// fast negative authentication (a client can reject a corrupted unwrap
// before attempting any message decryption).
func ConfirmationHash(priv PrivateKey) [32]byte {
	return sha256.Sum256(priv[:])
}
