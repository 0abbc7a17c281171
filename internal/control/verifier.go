package control

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// signatureSize is the raw byte length of a P-384 (r, s) signature pair:
// two 48-byte big-endian field elements, concatenated with no separator.
const signatureSize = 96

// DefaultMaxFutureSkew and DefaultMaxPastSkew bound the freshness window
// used when a VerifyingKey doesn't override them.
const (
	DefaultMaxFutureSkew = 30 * time.Second
	DefaultMaxPastSkew   = 60 * time.Second
)

// VerifyingKey is the ECDSA P-384 public key configured for signature
// verification. A nil VerifyingKey disables verification (development mode).
type VerifyingKey struct {
	Key *ecdsa.PublicKey

	// MaxFutureSkew and MaxPastSkew override the freshness window (see
	// Verify rule 5) for envelopes checked under this key. Zero means use
	// DefaultMaxFutureSkew / DefaultMaxPastSkew.
	MaxFutureSkew time.Duration
	MaxPastSkew   time.Duration
}

func (k *VerifyingKey) maxFutureSkew() time.Duration {
	if k.MaxFutureSkew > 0 {
		return k.MaxFutureSkew
	}
	return DefaultMaxFutureSkew
}

func (k *VerifyingKey) maxPastSkew() time.Duration {
	if k.MaxPastSkew > 0 {
		return k.MaxPastSkew
	}
	return DefaultMaxPastSkew
}

func decodeHexSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != signatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", signatureSize, len(sig))
	}
	return sig, nil
}

// Verify checks an Envelope's authenticity and freshness against now, per
// spec:
//
//  1. No verifying key configured: accept unconditionally.
//  2. Key configured, signature absent: reject.
//  3. Signature present, timestamp absent: reject.
//  4. Recompute the signed message and check the signature under key.
//  5. Freshness: reject if the timestamp is more than key.MaxFutureSkew in
//     the future or more than key.MaxPastSkew in the past, relative to now
//     (DefaultMaxFutureSkew/DefaultMaxPastSkew when key leaves them zero).
func Verify(env Envelope, key *VerifyingKey, now time.Time) bool {
	if key == nil || key.Key == nil {
		return true
	}
	if env.Signature == nil {
		return false
	}
	if env.Timestamp == nil {
		return false
	}

	msg, err := signedMessage(env.Command, *env.Timestamp)
	if err != nil {
		return false
	}

	if !verifySignature(key.Key, msg, env.Signature) {
		return false
	}

	ts := time.Unix(*env.Timestamp, 0)
	if ts.After(now.Add(key.maxFutureSkew())) {
		return false
	}
	if now.Sub(ts) > key.maxPastSkew() {
		return false
	}
	return true
}

func verifySignature(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub.Curve != elliptic.P384() {
		return false
	}
	if len(sig) != signatureSize {
		return false
	}
	half := signatureSize / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])

	digest := sha512.Sum384(msg)
	return ecdsa.Verify(pub, digest[:], r, s)
}
