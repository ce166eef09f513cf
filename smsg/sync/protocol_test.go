package sync

import (
	"context"
	"testing"

	"rubin.dev/node/smsg/bucket"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
	"rubin.dev/node/smsg/pow"
)

// wireLink connects two Protocol instances in-process. Send on one
// side calls Dispatch directly on the other, with the reply link
// wired so a handler's own link.Send() lands back on the caller.
type wireLink struct {
	id          string
	remoteProto *Protocol
	replyLink   *wireLink
}

func (w *wireLink) ID() string                 { return w.id }
func (w *wireLink) HasCapability(uint64) bool  { return true }
func (w *wireLink) ReportMisbehavior(delta int) {}

func (w *wireLink) Send(command string, payload []byte) error {
	return w.remoteProto.Dispatch(w.replyLink, command, payload)
}

// newWire returns linkToB (used by A's side to originate sends
// towards B) and linkToA (the mirror, used by B's side). Calling
// linkToB.Send(...) dispatches into protoB with a reply link that
// routes back into protoA, and symmetrically for linkToA.
func newWire(nameA, nameB string, protoA, protoB *Protocol) (linkToB, linkToA *wireLink) {
	linkToB = &wireLink{id: nameB, remoteProto: protoB}
	linkToA = &wireLink{id: nameA, remoteProto: protoA}
	linkToB.replyLink = linkToA
	linkToA.replyLink = linkToB
	return linkToB, linkToA
}

func solvedEnvelope(t *testing.T, ts int64, payload []byte) envelope.Header {
	t.Helper()
	h := envelope.Header{VersionMajor: 2, VersionMinor: 1, Timestamp: ts}
	if err := pow.Solve(context.Background(), &h, payload); err != nil {
		t.Fatalf("pow.Solve: %v", err)
	}
	return h
}

func openStore(t *testing.T, now int64) *bucket.Store {
	t.Helper()
	s, err := bucket.Open(t.TempDir(), func() int64 { return now })
	if err != nil {
		t.Fatalf("bucket.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestProtocolPull exercises spec.md §8 scenario 5: two engines share
// one envelope in bucket b; A has it, B has none; after one sync
// round B has it too, and the two buckets' hashes agree.
func TestProtocolPull(t *testing.T) {
	now := int64(20_000_000)
	storeA := openStore(t, now)
	storeB := openStore(t, now)

	payload := []byte("pull-scenario-payload")
	hdr := solvedEnvelope(t, now, payload)
	if _, err := storeA.Insert(hdr, payload, true); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	var delivered []bucket.Token
	protoA := NewProtocol(storeA, func() int64 { return now }, nil)
	protoB := NewProtocol(storeB, func() int64 { return now }, func(env envelope.Envelope, tok bucket.Token) {
		delivered = append(delivered, tok)
	})

	linkAtoB, linkBtoA := newWire("A", "B", protoA, protoB)
	_ = linkBtoA

	invEntries := protoA.BuildInv(0)
	if len(invEntries) != 1 {
		t.Fatalf("BuildInv = %v, want 1 entry", invEntries)
	}
	if err := linkAtoB.Send(params.CmdInv, EncodeInvPayload(invEntries)); err != nil {
		t.Fatalf("Inv round: %v", err)
	}

	slot := params.Slot(now)
	bBucket := storeB.Snapshot(slot)
	if bBucket == nil || len(bBucket.Tokens) != 1 {
		t.Fatalf("B's bucket after sync = %+v, want 1 token", bBucket)
	}
	if bBucket.Locked() {
		t.Errorf("B's bucket still locked after Msg")
	}
	aBucket := storeA.Snapshot(slot)
	if aBucket.Hash != bBucket.Hash {
		t.Errorf("hash mismatch after sync: A=%d B=%d", aBucket.Hash, bBucket.Hash)
	}
	if len(delivered) != 1 {
		t.Fatalf("onMsg called %d times, want 1", len(delivered))
	}
}

// TestLockTimeout exercises spec.md §8 scenario 6: after B sends Have
// and receives Want, A's bucket is locked to B. If B never sends Msg,
// three sweep ticks unlock it and set ignoreUntil(B) on A, mirrored
// onto B via an Ignore verb.
func TestLockTimeout(t *testing.T) {
	now := int64(30_000_000)
	storeA := openStore(t, now)
	slot := params.Slot(now)

	storeA.WithBucket(slot, func(b *bucket.Bucket) {
		b.Lock("B", params.LockCountInitial)
	})

	protoA := NewProtocol(storeA, func() int64 { return now }, nil)
	stateB := protoA.stateFor("B")

	for i := 0; i < params.LockCountInitial; i++ {
		timedOut := storeA.Sweep()
		if i < params.LockCountInitial-1 {
			if len(timedOut) != 0 {
				t.Fatalf("tick %d: unexpected timeout %v", i, timedOut)
			}
			continue
		}
		if len(timedOut) != 1 || timedOut[0] != "B" {
			t.Fatalf("final tick: timedOut = %v, want [B]", timedOut)
		}
		stateB.OnIgnore(now+params.TimeIgnoreSeconds, now)
	}

	got := storeA.Snapshot(slot)
	if got.Locked() {
		t.Errorf("bucket still locked after 3 ticks")
	}
	if !stateB.Ignoring(now + 1) {
		t.Errorf("expected A to be ignoring B after lock timeout")
	}
}
