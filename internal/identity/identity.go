// Package identity derives agent ids from Ed25519 public keys and verifies
// the signatures that authenticate persistent agents and sign every
// marketplace and dispute operation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrBadSignature is returned when a signature does not verify against the
// claimed public key.
var ErrBadSignature = errors.New("identity: signature verification failed")

// AgentID derives the 16-hex-character agent id from a raw Ed25519 public
// key: the lowercase hex of the first 8 bytes of SHA-256(pubkey). It is a
// pure function — the same pubkey bytes always yield the same id.
func AgentID(pubkey []byte) string {
	sum := sha256.Sum256(pubkey)
	return hex.EncodeToString(sum[:8])
}

// EphemeralID returns a random 16-hex-character id for an unauthenticated
// (no-pubkey) session.
func EphemeralID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Display prefixes an agent id with "@" for wire and UI display.
func Display(agentID string) string {
	return "@" + agentID
}

// Verify checks an Ed25519 signature over msg against pubkey. sig and
// pubkey are raw bytes, not base64 — decoding happens in the protocol
// layer so this package stays free of wire-format concerns.
func Verify(pubkey, msg, sig []byte) error {
	if len(pubkey) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// RandomNonceHex returns a random 32-hex-character nonce, used for
// challenge nonces and commit-reveal secrets.
func RandomNonceHex() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomID returns a random hex token of n bytes, used for challenge and
// dispute ids with a caller-supplied prefix.
func RandomID(prefix string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
