package crypto

import (
	"crypto/rand"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ephemeralKeyPair generates a fresh secp256k1 key pair for one
// encryption call (spec.md §4.2 step 3: "r, R").
func ephemeralKeyPair() (*secp256k1.PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("smsg: crypto: generate ephemeral key: %w", err)
	}
	return priv, nil
}

// ecdh computes the x-coordinate of priv*pub on secp256k1 (the raw
// Diffie-Hellman shared point, spec.md's "P"). Callers are responsible
// for feeding P through SHA-512 to derive key_e/key_m; this function
// deliberately does not hash, unlike higher-level "shared secret"
// helpers in other secp256k1 libraries, because spec.md's key
// derivation is SHA-512 over the raw point, not a library-chosen hash.
func ecdh(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var pt secp256k1.JacobianPoint
	pub.AsJacobian(&pt)

	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &pt, &result)
	result.ToAffine()

	xBytes := result.X.Bytes()
	out := make([]byte, len(xBytes))
	copy(out, xBytes[:])
	return out
}

// parseCompressedPubkey validates that b is a well-formed compressed
// secp256k1 public key.
func parseCompressedPubkey(b []byte) (*secp256k1.PublicKey, error) {
	if len(b) != 33 {
		return nil, fmt.Errorf("smsg: crypto: pubkey must be 33 bytes, got %d", len(b))
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("smsg: crypto: invalid pubkey: %w", err)
	}
	return pub, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("smsg: crypto: rand: %w", err)
	}
	return b, nil
}
