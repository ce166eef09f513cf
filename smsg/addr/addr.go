// Package addr derives the 20-byte key-hash smsg embeds in message
// payloads and bucket tokens, and the base58check address string built
// around it. The host wallet owns the real address format for its own
// transactions; this package only needs a stable, collision-resistant
// mapping from a compressed public key to a 20-byte identifier that
// stays consistent between the sign path (smsg/crypto), the address
// registry's AddPubkey check, and its chain-scan pubkey harvest
// (smsg/registry) — see DESIGN.md's "Address key-hash algorithm" entry
// for why the exact hash choice is a local decision rather than a
// wallet-format contract.
package addr

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// KeyHashSize is the width, in bytes, of a key hash.
const KeyHashSize = 20

// KeyHash derives the 20-byte key-hash of a compressed public key:
// SHA-256 followed by SHA3-256, truncated to KeyHashSize bytes.
func KeyHash(pubkeyCompressed []byte) [KeyHashSize]byte {
	first := sha256.Sum256(pubkeyCompressed)
	second := sha3.Sum256(first[:])
	var out [KeyHashSize]byte
	copy(out[:], second[:KeyHashSize])
	return out
}

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	input := append([]byte(nil), b...)
	out := make([]byte, 0, len(b)*138/100+1)
	for len(input) > 0 {
		var remainder int
		var nextInput []byte
		for _, c := range input {
			acc := remainder*256 + int(c)
			digit := acc / 58
			remainder = acc % 58
			if len(nextInput) > 0 || digit != 0 {
				nextInput = append(nextInput, byte(digit))
			}
		}
		out = append(out, b58Alphabet[remainder])
		input = nextInput
	}
	for i := 0; i < zeros; i++ {
		out = append(out, b58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	zeros := 0
	for zeros < len(s) && s[zeros] == b58Alphabet[0] {
		zeros++
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		idx := -1
		for i := 0; i < len(b58Alphabet); i++ {
			if b58Alphabet[i] == byte(r) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("addr: invalid base58 character %q", r)
		}
		carry := idx
		for i := 0; i < len(out); i++ {
			carry += int(out[i]) * 58
			out[i] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			out = append(out, byte(carry&0xff))
			carry >>= 8
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	prefixed := make([]byte, zeros, zeros+len(out))
	return append(prefixed, out...), nil
}

// ErrInvalidChecksum is returned by DecodeAddress on a corrupt address string.
var ErrInvalidChecksum = errors.New("addr: invalid checksum")

func checksum4(payload []byte) [4]byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	var out [4]byte
	copy(out[:], h2[:4])
	return out
}

// EncodeAddress renders version||keyHash as a base58check string.
func EncodeAddress(version byte, keyHash [KeyHashSize]byte) string {
	payload := make([]byte, 0, 1+KeyHashSize)
	payload = append(payload, version)
	payload = append(payload, keyHash[:]...)
	sum := checksum4(payload)
	payload = append(payload, sum[:]...)
	return base58Encode(payload)
}

// DecodeAddress parses a base58check address string back into its
// version byte and key hash, verifying the embedded checksum.
func DecodeAddress(s string) (byte, [KeyHashSize]byte, error) {
	raw, err := base58Decode(s)
	if err != nil {
		return 0, [KeyHashSize]byte{}, err
	}
	if len(raw) != 1+KeyHashSize+4 {
		return 0, [KeyHashSize]byte{}, fmt.Errorf("addr: unexpected decoded length %d", len(raw))
	}
	payload, sum := raw[:1+KeyHashSize], raw[1+KeyHashSize:]
	want := checksum4(payload)
	for i := range want {
		if want[i] != sum[i] {
			return 0, [KeyHashSize]byte{}, ErrInvalidChecksum
		}
	}
	var kh [KeyHashSize]byte
	copy(kh[:], payload[1:])
	return payload[0], kh, nil
}
