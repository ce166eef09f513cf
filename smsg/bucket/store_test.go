package bucket

import (
	"os"
	"testing"

	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
)

func testHeader(ts int64) envelope.Header {
	return envelope.Header{
		VersionMajor: 2,
		VersionMinor: 1,
		Timestamp:    ts,
	}
}

func openTestStore(t *testing.T, now int64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, func() int64 { return now })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAssignsSlotAndToken(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)

	payload := []byte("01234567deadbeef")
	tok, err := s.Insert(testHeader(now), payload, true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	wantSlot := params.Slot(now)
	got := s.Snapshot(wantSlot)
	if got == nil {
		t.Fatalf("no bucket at slot %d", wantSlot)
	}
	if !got.has(tok) {
		t.Fatalf("bucket does not contain inserted token")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	payload := []byte("same-sample-8B..")

	if _, err := s.Insert(testHeader(now), payload, true); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := s.Insert(testHeader(now), payload, true); err != ErrDuplicate {
		t.Fatalf("second Insert: got %v, want ErrDuplicate", err)
	}
}

func TestInsertRejectsExpiredAndFuture(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)

	_, err := s.Insert(testHeader(now-params.RetentionSeconds-1), []byte("x"), true)
	if err != ErrExpired {
		t.Fatalf("expired: got %v, want ErrExpired", err)
	}

	_, err = s.Insert(testHeader(now+params.TimeLeewaySeconds+1), []byte("x"), true)
	if err != ErrInFuture {
		t.Fatalf("future: got %v, want ErrInFuture", err)
	}
}

func TestRecomputeHashChangesOnInsert(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	slot := params.Slot(now)

	before := s.Snapshot(slot)
	var beforeHash uint32
	if before != nil {
		beforeHash = before.Hash
	}

	if _, err := s.Insert(testHeader(now), []byte("payload!"), true); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	after := s.Snapshot(slot)
	if after.Hash == beforeHash {
		t.Errorf("hash did not change after insert")
	}
	if after.TimeChanged != now {
		t.Errorf("TimeChanged = %d, want %d", after.TimeChanged, now)
	}
}

func TestRetrieveRoundTrip(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	hdr := testHeader(now)
	payload := []byte("the quick brown fox")

	tok, err := s.Insert(hdr, payload, true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	raw, err := s.Retrieve(params.Slot(now), tok)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		t.Fatalf("Decode retrieved bytes: %v", err)
	}
	if string(env.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", env.Payload, payload)
	}
	if env.Header.Timestamp != now {
		t.Errorf("timestamp = %d, want %d", env.Header.Timestamp, now)
	}
}

func TestUnscannedDoesNotAffectInMemoryIndex(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	slot := params.Slot(now)

	if err := s.Unscanned(testHeader(now), []byte("locked-wallet-data")); err != nil {
		t.Fatalf("Unscanned: %v", err)
	}
	if got := s.Snapshot(slot); got != nil {
		t.Errorf("expected no in-memory bucket after Unscanned, got %+v", got)
	}
	if _, err := os.Stat(s.slotPath(slot, true)); err != nil {
		t.Errorf("expected wl file to exist: %v", err)
	}
}

func TestSweepExpiresBucketsAndFiles(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	oldTs := now - params.RetentionSeconds + 10

	if _, err := s.Insert(testHeader(oldTs), []byte("old-message-data"), true); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	slot := params.Slot(oldTs)
	if s.Snapshot(slot) == nil {
		t.Fatalf("bucket missing before expiry")
	}

	// Advance the clock past retention for that slot.
	s.nowFn = func() int64 { return oldTs + params.RetentionSeconds + 1 }
	s.Sweep()

	if s.Snapshot(slot) != nil {
		t.Errorf("bucket still present after Sweep")
	}
	if _, err := os.Stat(s.slotPath(slot, false)); !os.IsNotExist(err) {
		t.Errorf("expected bucket file removed, stat err = %v", err)
	}
}

func TestSweepTicksLockAndReportsTimeout(t *testing.T) {
	now := int64(10_000_000)
	s := openTestStore(t, now)
	slot := params.Slot(now)

	s.WithBucket(slot, func(b *Bucket) {
		b.Lock("peer-1", 1)
	})

	timedOut := s.Sweep()
	if len(timedOut) != 1 || timedOut[0] != "peer-1" {
		t.Fatalf("timedOut = %v, want [peer-1]", timedOut)
	}
	got := s.Snapshot(slot)
	if got.Locked() {
		t.Errorf("bucket still reports locked after timeout")
	}
}

func TestLoadRebuildsIndexFromDisk(t *testing.T) {
	now := int64(10_000_000)
	dir := t.TempDir()

	s1, err := Open(dir, func() int64 { return now })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tok, err := s1.Insert(testHeader(now), []byte("persisted-payload"), true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, func() int64 { return now })
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()

	slot := params.Slot(now)
	got := s2.Snapshot(slot)
	if got == nil {
		t.Fatalf("bucket not restored after reload")
	}
	if !got.has(tok) {
		t.Errorf("restored bucket missing inserted token")
	}
}
