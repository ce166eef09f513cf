package pow

import (
	"context"
	"testing"
	"time"

	"rubin.dev/node/smsg/envelope"
)

func freshHeader() envelope.Header {
	h := envelope.Header{VersionMajor: 2, VersionMinor: 1, Timestamp: 1_700_000_000}
	h.IV = [16]byte{1, 2, 3, 4}
	h.CpkR = [33]byte{9, 9, 9}
	return h
}

func TestSolveThenValidate(t *testing.T) {
	h := freshHeader()
	payload := []byte("hello, this is a test payload for proof of work")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := Solve(ctx, &h, payload); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if err := Validate(h, payload); err != nil {
		t.Fatalf("Validate on solved envelope: %v", err)
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	h := freshHeader()
	payload := []byte("some payload bytes")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Solve(ctx, &h, payload); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF
	if err := Validate(h, tampered); err == nil {
		t.Fatal("expected Validate to reject tampered payload")
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	h := freshHeader()
	h.VersionMajor = 1
	if err := Validate(h, nil); err == nil {
		t.Fatal("expected malformed error for wrong version")
	}
}

func TestSolveRespectsCancellation(t *testing.T) {
	h := freshHeader()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Solve(ctx, &h, []byte("payload"))
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
