// Package envelope implements the fixed-size smsg header and the
// framing around its variable-size ciphertext payload. It mirrors the
// split this repository already uses in node/p2p/envelope.go: a small
// fixed prefix carrying versioning and framing metadata, followed by a
// declared-length body, decoded with bounds checks performed before
// any attacker-controlled allocation.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rubin.dev/node/smsg/params"
)

// ErrMalformed is returned whenever header or payload bytes do not
// parse, or a declared length disagrees with the actual byte count.
var ErrMalformed = errors.New("smsg: envelope: malformed")

// Header is the fixed 104-byte envelope header. Field order and widths
// are normative (spec.md §3); numeric fields are little-endian.
//
// The layout accounts for one reserved byte after Version so the
// fixed fields total HdrLen (104) bytes; every other field width is
// exactly as spec.md enumerates it.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	_reserved    uint8 // wire-format padding; always zero on encode, ignored on decode
	Timestamp    int64
	IV           [16]byte
	CpkR         [33]byte // compressed ephemeral public key
	MAC          [32]byte // HMAC-SHA256(key_m, timestamp||iv||ciphertext)
	Hash         [4]byte  // first 4 bytes of the PoW digest
	Nonce        [4]byte
	NPayload     uint32
}

const (
	offVersion   = 0
	offReserved  = offVersion + 2
	offTimestamp = offReserved + 1
	offIV        = offTimestamp + 8
	offCpkR      = offIV + 16
	offMAC       = offCpkR + 33
	offHash      = offMAC + 32
	offNonce     = offHash + 4
	offNPayload  = offNonce + 4
	headerEnd    = offNPayload + 4
)

func init() {
	if headerEnd != params.HdrLen {
		panic(fmt.Sprintf("smsg: envelope: header layout is %d bytes, want %d", headerEnd, params.HdrLen))
	}
}

// EncodeHeader writes h into a HdrLen-byte array.
func EncodeHeader(h Header) [params.HdrLen]byte {
	var b [params.HdrLen]byte
	b[offVersion] = h.VersionMajor
	b[offVersion+1] = h.VersionMinor
	b[offReserved] = 0
	binary.LittleEndian.PutUint64(b[offTimestamp:], uint64(h.Timestamp))
	copy(b[offIV:], h.IV[:])
	copy(b[offCpkR:], h.CpkR[:])
	copy(b[offMAC:], h.MAC[:])
	copy(b[offHash:], h.Hash[:])
	copy(b[offNonce:], h.Nonce[:])
	binary.LittleEndian.PutUint32(b[offNPayload:], h.NPayload)
	return b
}

// DecodeHeader parses a HdrLen-byte slice into a Header. It performs
// no cross-checks against nPayload and the remaining stream; that is
// Decode's job once the payload bytes are known.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != params.HdrLen {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformed, len(b), params.HdrLen)
	}
	var h Header
	h.VersionMajor = b[offVersion]
	h.VersionMinor = b[offVersion+1]
	h.Timestamp = int64(binary.LittleEndian.Uint64(b[offTimestamp:]))
	copy(h.IV[:], b[offIV:offIV+16])
	copy(h.CpkR[:], b[offCpkR:offCpkR+33])
	copy(h.MAC[:], b[offMAC:offMAC+32])
	copy(h.Hash[:], b[offHash:offHash+4])
	copy(h.Nonce[:], b[offNonce:offNonce+4])
	h.NPayload = binary.LittleEndian.Uint32(b[offNPayload:])
	return h, nil
}

// ZeroHashField clears the Hash field's 4 bytes in an already-encoded
// header buffer. The PoW digest is computed over the header with Hash
// zeroed, since Hash itself is derived from that digest and cannot be
// part of its own input (spec.md §4.3; mirrors the original's
// pHeader+4 skip, adapted to this layout's Hash offset).
func ZeroHashField(b *[params.HdrLen]byte) {
	for i := offHash; i < offHash+4; i++ {
		b[i] = 0
	}
}

// NonceUint32 returns the header's nonce as a little-endian uint32.
func (h Header) NonceUint32() uint32 {
	return binary.LittleEndian.Uint32(h.Nonce[:])
}

// SetNonceUint32 stores n into the header's nonce field.
func (h *Header) SetNonceUint32(n uint32) {
	binary.LittleEndian.PutUint32(h.Nonce[:], n)
}
