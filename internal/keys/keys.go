// Package keys handles parsing and deterministic generation of the ECDSA
// P-384 key material used to sign and verify control-plane commands.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// ParseVerifyingKeyHex decodes a hex-encoded, uncompressed P-384 public key
// point (0x04 || X || Y, 97 bytes, 194 hex characters) as produced by
// elliptic.Marshal. This is the format expected for tunneld's sole
// positional verifying-key argument.
func ParseVerifyingKeyHex(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid hex: %w", err)
	}

	curve := elliptic.P384()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, fmt.Errorf("keys: not a valid P-384 point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalVerifyingKeyHex encodes a P-384 public key the same way
// ParseVerifyingKeyHex expects to read it back.
func MarshalVerifyingKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.Marshal(pub.Curve, pub.X, pub.Y))
}

// DeterministicKeyPair derives a reproducible P-384 key pair from seed via
// HKDF-SHA384, for test fixtures and the `tunneld keygen --seed` dev
// helper. The same seed always yields the same key pair.
func DeterministicKeyPair(seed []byte) (*ecdsa.PrivateKey, error) {
	stream := hkdf.New(sha512.New384, seed, nil, []byte("tunneld-p384-keygen"))
	curve := elliptic.P384()
	buf := make([]byte, curve.Params().BitSize/8+8)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, fmt.Errorf("keys: derive: %w", err)
	}
	// Reduce the HKDF output into the scalar range [1, N-1].
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))
	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 48)))
	return priv, nil
}
