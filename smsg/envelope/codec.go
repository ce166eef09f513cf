package envelope

import (
	"fmt"

	"rubin.dev/node/smsg/params"
)

// Envelope is a decoded header paired with its ciphertext payload.
type Envelope struct {
	Header  Header
	Payload []byte
}

// Encode serializes header and payload into a single byte slice. It
// sets header.NPayload from len(payload) before writing, matching the
// C reference's convention that NPayload always reflects the actual
// serialized body.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > params.MaxMsgWorst {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds MaxMsgWorst %d", ErrMalformed, len(payload), params.MaxMsgWorst)
	}
	h.NPayload = uint32(len(payload))
	hdrBytes := EncodeHeader(h)
	out := make([]byte, 0, len(hdrBytes)+len(payload))
	out = append(out, hdrBytes[:]...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses a serialized envelope, verifying that the declared
// nPayload exactly matches the remaining byte count and does not
// exceed the worst-case ceiling. Bounds are checked before the
// payload slice is retained, so a truncated or oversized frame never
// causes an over-large allocation to be kept alive.
func Decode(b []byte) (Envelope, error) {
	if len(b) < params.HdrLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes shorter than header (%d)", ErrMalformed, len(b), params.HdrLen)
	}
	h, err := DecodeHeader(b[:params.HdrLen])
	if err != nil {
		return Envelope{}, err
	}
	if h.NPayload > params.MaxMsgWorst {
		return Envelope{}, fmt.Errorf("%w: nPayload %d exceeds MaxMsgWorst %d", ErrMalformed, h.NPayload, params.MaxMsgWorst)
	}
	rest := b[params.HdrLen:]
	if uint32(len(rest)) != h.NPayload {
		return Envelope{}, fmt.Errorf("%w: nPayload %d disagrees with remaining %d bytes", ErrMalformed, h.NPayload, len(rest))
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)
	return Envelope{Header: h, Payload: payload}, nil
}

// Bytes re-serializes e, recomputing NPayload from the current payload length.
func (e Envelope) Bytes() []byte {
	b, err := Encode(e.Header, e.Payload)
	if err != nil {
		// Encode only fails on a payload that already violates an
		// invariant Decode would have rejected; callers that hold a
		// valid Envelope never hit this.
		panic(err)
	}
	return b
}
