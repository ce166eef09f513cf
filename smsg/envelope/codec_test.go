package envelope

import (
	"bytes"
	"testing"

	"rubin.dev/node/smsg/params"
)

func sampleHeader() Header {
	h := Header{VersionMajor: 2, VersionMinor: 1, Timestamp: 1_700_000_000}
	h.IV = [16]byte{1, 2, 3}
	h.CpkR = [33]byte{4, 5, 6}
	h.MAC = [32]byte{7, 8, 9}
	h.Hash = [4]byte{10, 11, 12, 13}
	h.SetNonceUint32(42)
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader()
	payload := bytes.Repeat([]byte{0xAB}, 200)

	b, err := Encode(h, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) != params.HdrLen+len(payload) {
		t.Fatalf("encoded length = %d, want %d", len(b), params.HdrLen+len(payload))
	}

	env, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Header.Timestamp != h.Timestamp {
		t.Errorf("timestamp = %d, want %d", env.Header.Timestamp, h.Timestamp)
	}
	if env.Header.NonceUint32() != 42 {
		t.Errorf("nonce = %d, want 42", env.Header.NonceUint32())
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode(make([]byte, params.HdrLen-1)); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	h := sampleHeader()
	b, err := Encode(h, []byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Truncate the payload without fixing up nPayload.
	truncated := b[:len(b)-2]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected malformed error for truncated payload")
	}
}

func TestDecodeRejectsOversizePayload(t *testing.T) {
	h := sampleHeader()
	h.NPayload = params.MaxMsgWorst + 1
	hdr := EncodeHeader(h)
	b := append(hdr[:], make([]byte, 10)...)
	if _, err := Decode(b); err == nil {
		t.Fatal("expected malformed error for oversize nPayload")
	}
}

func TestHeaderLayoutIsHdrLen(t *testing.T) {
	h := EncodeHeader(sampleHeader())
	if len(h) != params.HdrLen {
		t.Fatalf("header array length = %d, want %d", len(h), params.HdrLen)
	}
}
