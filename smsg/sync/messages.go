// Package sync implements the anti-flood bucket-gossip protocol: ten
// wire verbs (Ping/Pong/Disabled/Ignore/Inv/Show/Have/Want/Msg/Match),
// per-peer state, and the dispatch loop that drives smsg/bucket.Store
// from them. Grounded on node/p2p/peer.go's verb-switch dispatch and
// node/p2p/inv.go's compact-size vector encoding.
package sync

import (
	"encoding/binary"
	"fmt"

	"rubin.dev/node/smsg/bucket"
)

// ErrMalformed is returned by every Decode* function on a structurally
// invalid payload (short read, length mismatch, over-large count).
var ErrMalformed = fmt.Errorf("smsg: sync: malformed payload")

// compactSize is a same-shape copy of the node's own CompactSize varint
// codec, kept local so this package does not need to import the whole
// consensus package for one 30-line encoding.
type compactSize uint64

func (c compactSize) encode() []byte {
	n := uint64(c)
	if n < 253 {
		return []byte{byte(n)}
	}
	if n <= 0xffff {
		var b2 [2]byte
		binary.LittleEndian.PutUint16(b2[:], uint16(n))
		return []byte{0xfd, b2[0], b2[1]}
	}
	if n <= 0xffffffff {
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], uint32(n))
		return []byte{0xfe, b4[0], b4[1], b4[2], b4[3]}
	}
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], n)
	return []byte{0xff, b8[0], b8[1], b8[2], b8[3], b8[4], b8[5], b8[6], b8[7]}
}

func decodeCompactSize(b []byte) (compactSize, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("compactsize: empty")
	}
	tag := b[0]
	switch {
	case tag < 0xfd:
		return compactSize(tag), 1, nil
	case tag == 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("compactsize: truncated u16")
		}
		n := uint64(b[1]) | (uint64(b[2]) << 8)
		if n < 253 {
			return 0, 0, fmt.Errorf("compactsize: non-minimal u16")
		}
		return compactSize(n), 3, nil
	case tag == 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("compactsize: truncated u32")
		}
		n := uint64(b[1]) | (uint64(b[2]) << 8) | (uint64(b[3]) << 16) | (uint64(b[4]) << 24)
		if n < 0x1_0000 {
			return 0, 0, fmt.Errorf("compactsize: non-minimal u32")
		}
		return compactSize(n), 5, nil
	default: // 0xff
		n := uint64(0)
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("compactsize: truncated u64")
		}
		for i := 0; i < 8; i++ {
			n |= uint64(b[1+i]) << (8 * i)
		}
		if n < 0x1_0000_0000 {
			return 0, 0, fmt.Errorf("compactsize: non-minimal u64")
		}
		return compactSize(n), 9, nil
	}
}

func putUint64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func getUint64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrMalformed
	}
	return int64(binary.LittleEndian.Uint64(b[:8])), b[8:], nil
}

func putUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func getUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrMalformed
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], nil
}

func putCompactSize(b []byte, n int) []byte {
	return append(b, compactSize(uint64(n)).encode()...)
}

func getCompactSize(b []byte, max int) (int, []byte, error) {
	n, used, err := decodeCompactSize(b)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if int(n) > max {
		return 0, nil, ErrMalformed
	}
	return int(n), b[used:], nil
}

// IgnorePayload is the body of an Ignore verb: the sender's ignore
// deadline, mirrored by the receiver for symmetry (spec.md §4.5).
type IgnorePayload struct {
	Until int64
}

func EncodeIgnorePayload(p IgnorePayload) []byte {
	return putUint64(nil, p.Until)
}

func DecodeIgnorePayload(b []byte) (IgnorePayload, error) {
	until, rest, err := getUint64(b)
	if err != nil || len(rest) != 0 {
		return IgnorePayload{}, ErrMalformed
	}
	return IgnorePayload{Until: until}, nil
}

// MatchPayload is the body of a Match verb.
type MatchPayload struct {
	Time int64
}

func EncodeMatchPayload(p MatchPayload) []byte {
	return putUint64(nil, p.Time)
}

func DecodeMatchPayload(b []byte) (MatchPayload, error) {
	t, rest, err := getUint64(b)
	if err != nil || len(rest) != 0 {
		return MatchPayload{}, ErrMalformed
	}
	return MatchPayload{Time: t}, nil
}

// InvEntry summarizes one bucket for the Inv verb.
type InvEntry struct {
	Slot      int64
	NMessages uint32
	Hash      uint32
}

// maxInvEntries is a loose entry-count ceiling that nothing in this
// package reads; DecodeInvPayload enforces the maxEntries its caller
// passes (params.MaxInvEntries, spec.md §4.5's "n ≤ Retention/BucketLen + 1").
const maxInvEntries = 512

func EncodeInvPayload(entries []InvEntry) []byte {
	out := putCompactSize(nil, len(entries))
	for _, e := range entries {
		out = putUint64(out, e.Slot)
		out = putUint32(out, e.NMessages)
		out = putUint32(out, e.Hash)
	}
	return out
}

func DecodeInvPayload(b []byte, maxEntries int) ([]InvEntry, error) {
	n, rest, err := getCompactSize(b, maxEntries)
	if err != nil {
		return nil, err
	}
	out := make([]InvEntry, 0, n)
	for i := 0; i < n; i++ {
		slot, r, err := getUint64(rest)
		if err != nil {
			return nil, err
		}
		nMsgs, r2, err := getUint32(r)
		if err != nil {
			return nil, err
		}
		hash, r3, err := getUint32(r2)
		if err != nil {
			return nil, err
		}
		out = append(out, InvEntry{Slot: slot, NMessages: nMsgs, Hash: hash})
		rest = r3
	}
	if len(rest) != 0 {
		return nil, ErrMalformed
	}
	return out, nil
}

// EncodeShowPayload / DecodeShowPayload: a Show verb is a bare list of
// requested slots.
func EncodeShowPayload(slots []int64) []byte {
	out := putCompactSize(nil, len(slots))
	for _, s := range slots {
		out = putUint64(out, s)
	}
	return out
}

func DecodeShowPayload(b []byte, maxEntries int) ([]int64, error) {
	n, rest, err := getCompactSize(b, maxEntries)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		s, r, err := getUint64(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		rest = r
	}
	if len(rest) != 0 {
		return nil, ErrMalformed
	}
	return out, nil
}

// TokenListPayload is the shared shape of Have and Want: a slot plus a
// list of tokens (spec.md §4.5).
type TokenListPayload struct {
	Slot   int64
	Tokens []bucket.Token
}

func encodeTokenList(p TokenListPayload) []byte {
	out := putUint64(nil, p.Slot)
	out = putCompactSize(out, len(p.Tokens))
	for _, t := range p.Tokens {
		out = putUint64(out, t.Timestamp)
		out = append(out, t.Sample[:]...)
	}
	return out
}

func decodeTokenList(b []byte, maxTokens int) (TokenListPayload, error) {
	slot, rest, err := getUint64(b)
	if err != nil {
		return TokenListPayload{}, err
	}
	n, rest, err := getCompactSize(rest, maxTokens)
	if err != nil {
		return TokenListPayload{}, err
	}
	toks := make([]bucket.Token, 0, n)
	for i := 0; i < n; i++ {
		ts, r, err := getUint64(rest)
		if err != nil {
			return TokenListPayload{}, err
		}
		if len(r) < bucket.SampleSize {
			return TokenListPayload{}, ErrMalformed
		}
		var sample [bucket.SampleSize]byte
		copy(sample[:], r[:bucket.SampleSize])
		rest = r[bucket.SampleSize:]
		toks = append(toks, bucket.Token{Timestamp: ts, Sample: sample})
	}
	if len(rest) != 0 {
		return TokenListPayload{}, ErrMalformed
	}
	return TokenListPayload{Slot: slot, Tokens: toks}, nil
}

func EncodeHavePayload(p TokenListPayload) []byte { return encodeTokenList(p) }
func DecodeHavePayload(b []byte, maxTokens int) (TokenListPayload, error) {
	return decodeTokenList(b, maxTokens)
}

func EncodeWantPayload(p TokenListPayload) []byte { return encodeTokenList(p) }
func DecodeWantPayload(b []byte, maxTokens int) (TokenListPayload, error) {
	return decodeTokenList(b, maxTokens)
}

// MsgPayload carries a batch of raw serialized envelopes for one slot
// (spec.md §4.5's Msg verb: "count, slot, envelopes_bytes").
type MsgPayload struct {
	Slot      int64
	Envelopes [][]byte // each already header||payload serialized
}

func EncodeMsgPayload(p MsgPayload) ([]byte, error) {
	if len(p.Envelopes) < 1 || len(p.Envelopes) > 500 {
		return nil, fmt.Errorf("%w: count %d out of [1,500]", ErrMalformed, len(p.Envelopes))
	}
	out := putUint32(nil, uint32(len(p.Envelopes)))
	out = putUint64(out, p.Slot)
	for _, e := range p.Envelopes {
		out = putCompactSize(out, len(e))
		out = append(out, e...)
	}
	return out, nil
}

// DecodeMsgPayload splits the raw byte blob back into per-envelope
// byte slices without parsing each envelope's header; callers hand
// each slice to envelope.Decode individually so a single malformed
// envelope doesn't invalidate the whole batch's structural framing.
func DecodeMsgPayload(b []byte) (MsgPayload, error) {
	count, rest, err := getUint32(b)
	if err != nil {
		return MsgPayload{}, err
	}
	if count < 1 || count > 500 {
		return MsgPayload{}, fmt.Errorf("%w: count %d out of [1,500]", ErrMalformed, count)
	}
	slot, rest, err := getUint64(rest)
	if err != nil {
		return MsgPayload{}, err
	}
	envs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		n, r, err := getCompactSize(rest, 1<<20)
		if err != nil {
			return MsgPayload{}, err
		}
		if len(r) < n {
			return MsgPayload{}, ErrMalformed
		}
		envs = append(envs, r[:n])
		rest = r[n:]
	}
	if len(rest) != 0 {
		return MsgPayload{}, ErrMalformed
	}
	return MsgPayload{Slot: slot, Envelopes: envs}, nil
}
