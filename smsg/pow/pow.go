// Package pow implements the smsg proof-of-work engine: a nonce
// search over the envelope header and payload, and the corresponding
// validator. The digest construction and target are normative
// (spec.md §4.3) and follow the original C reference's
// SecureMsgSetHash/SecureMsgValidate; the header bytes fed to the
// digest are this module's own header layout (see digest).
package pow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
)

var (
	// ErrCancelled is returned by Solve when the context is cancelled
	// before a valid nonce is found. The envelope is left with
	// whatever nonce was last tried; callers must not treat it as solved.
	ErrCancelled = errors.New("smsg: pow: cancelled")

	// ErrMalformed mirrors envelope.ErrMalformed for version/size checks
	// that belong to the validator's own contract (spec.md §4.3).
	ErrMalformed = errors.New("smsg: pow: malformed")

	// ErrPoWFailed indicates the digest does not meet the difficulty target.
	ErrPoWFailed = errors.New("smsg: pow: failed")

	// ErrChecksumMismatch indicates the declared hash does not match the digest.
	ErrChecksumMismatch = errors.New("smsg: pow: checksum mismatch")
)

// digest computes HMAC-SHA256(key=nonce repeated 8 times, msg=header
// bytes with the Hash field zeroed || payload). Hash is excluded from
// the MAC'd message because Hash is itself derived from this digest
// (spec.md §4.3); the original achieves the same exclusion by placing
// hash[4] first and hashing from pHeader+4, but this layout keeps Hash
// at its header.go offset and zeroes it in place instead.
func digest(hdrBytes [params.HdrLen]byte, nonce uint32, payload []byte) [sha256.Size]byte {
	envelope.ZeroHashField(&hdrBytes)

	var key [32]byte
	var nb [4]byte
	nb[0] = byte(nonce)
	nb[1] = byte(nonce >> 8)
	nb[2] = byte(nonce >> 16)
	nb[3] = byte(nonce >> 24)
	for i := 0; i < 32; i += 4 {
		copy(key[i:i+4], nb[:])
	}

	mac := hmac.New(sha256.New, key[:])
	mac.Write(hdrBytes[:])
	mac.Write(payload)
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// meetsTarget reports whether d satisfies the fixed smsg PoW target:
// the last two bytes are zero and the low 3 bits of the 29th byte
// (0-indexed 29) are all zero.
func meetsTarget(d [sha256.Size]byte) bool {
	return d[31] == 0 && d[30] == 0 && (^d[29]&0b111) == 0b111
}

func checkStructural(h envelope.Header, payloadLen int) error {
	if h.VersionMajor != 2 {
		return fmt.Errorf("%w: version %d.%d", ErrMalformed, h.VersionMajor, h.VersionMinor)
	}
	if payloadLen > params.MaxMsgWorst {
		return fmt.Errorf("%w: payload %d exceeds MaxMsgWorst %d", ErrMalformed, payloadLen, params.MaxMsgWorst)
	}
	return nil
}

// Solve searches nonce values starting from 0 until the digest meets
// the target or ctx is cancelled. It first sets h.NPayload to
// len(payload). On success it writes the nonce and
// the first 4 digest bytes (the checksum) into h and returns nil. On
// cancellation it returns ErrCancelled with h left at its last-tried
// nonce, so the caller can leave the envelope queued for a later run
// (spec.md §5, §7).
func Solve(ctx context.Context, h *envelope.Header, payload []byte) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", ErrMalformed)
	}
	if err := checkStructural(*h, len(payload)); err != nil {
		return err
	}
	// The digest covers NPayload, so it must hold the value
	// envelope.Encode writes and a receiver's Validate sees.
	h.NPayload = uint32(len(payload))

	var nonce uint32
	for {
		select {
		case <-ctx.Done():
			h.SetNonceUint32(nonce)
			return ErrCancelled
		default:
		}

		h.SetNonceUint32(nonce)
		hdrBytes := EncodeHeaderForDigest(*h)
		d := digest(hdrBytes, nonce, payload)
		if meetsTarget(d) {
			copy(h.Hash[:], d[:4])
			return nil
		}
		if nonce == ^uint32(0) {
			return fmt.Errorf("%w: nonce space exhausted", ErrPoWFailed)
		}
		nonce++
	}
}

// Validate recomputes the digest with the envelope's declared nonce
// and checks both the PoW target and the header's checksum field.
func Validate(h envelope.Header, payload []byte) error {
	if err := checkStructural(h, len(payload)); err != nil {
		return err
	}
	hdrBytes := EncodeHeaderForDigest(h)
	d := digest(hdrBytes, h.NonceUint32(), payload)
	if !meetsTarget(d) {
		return ErrPoWFailed
	}
	if !hmac.Equal(h.Hash[:], d[:4]) {
		return ErrChecksumMismatch
	}
	return nil
}

// EncodeHeaderForDigest serializes h the same way envelope.EncodeHeader
// does. It is a thin re-export so this package does not need to depend
// on envelope's internal offsets beyond its exported encoder.
func EncodeHeaderForDigest(h envelope.Header) [params.HdrLen]byte {
	return envelope.EncodeHeader(h)
}
