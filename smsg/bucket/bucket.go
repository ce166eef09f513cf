package bucket

import "sort"

// Bucket is one time-slot's worth of tokens, plus the metadata the
// sync protocol needs: a rolling XXH32 hash over the token samples in
// set order, the last-mutation stamp, and the lock a peer may hold
// while it fills in missing tokens (spec.md §3, §4.4, §4.5).
type Bucket struct {
	Slot        int64
	Tokens      []Token // kept sorted by Token.Less
	Hash        uint32
	TimeChanged int64
	LockCount   int
	LockPeerID  string
}

// newBucket creates an empty bucket for slot.
func newBucket(slot int64) *Bucket {
	return &Bucket{Slot: slot, Hash: hashTokenSamples(nil)}
}

// has reports whether tok is already present.
func (b *Bucket) has(tok Token) bool {
	i := sort.Search(len(b.Tokens), func(i int) bool { return !b.Tokens[i].Less(tok) })
	return i < len(b.Tokens) && b.Tokens[i].Equal(tok)
}

// find returns the locally stored token matching tok's (timestamp,
// sample) identity, including its real file offset, used by the Want
// verb handler to resolve a peer's requested tokens to retrievable
// records.
func (b *Bucket) find(tok Token) (Token, bool) {
	i := sort.Search(len(b.Tokens), func(i int) bool { return !b.Tokens[i].Less(tok) })
	if i < len(b.Tokens) && b.Tokens[i].Equal(tok) {
		return b.Tokens[i], true
	}
	return Token{}, false
}

// missing returns the subset of candidates not already present in b,
// used by the Have verb handler to compute what to Want (spec.md
// §4.5).
func (b *Bucket) missing(candidates []Token) []Token {
	out := make([]Token, 0, len(candidates))
	for _, c := range candidates {
		if !b.has(c) {
			out = append(out, c)
		}
	}
	return out
}

// insert adds tok in sorted position. It does not recompute the hash;
// callers call RecomputeHash explicitly (spec.md's "if requested").
func (b *Bucket) insert(tok Token) {
	i := sort.Search(len(b.Tokens), func(i int) bool { return !b.Tokens[i].Less(tok) })
	b.Tokens = append(b.Tokens, Token{})
	copy(b.Tokens[i+1:], b.Tokens[i:])
	b.Tokens[i] = tok
}

// RecomputeHash recomputes b.Hash from the current token set. If the
// value changes, TimeChanged is advanced to now (spec.md §4.4).
func (b *Bucket) RecomputeHash(now int64) {
	newHash := hashTokenSamples(b.Tokens)
	if newHash != b.Hash {
		b.Hash = newHash
		b.TimeChanged = now
	}
}

// Locked reports whether a peer currently holds b's pull lock.
func (b *Bucket) Locked() bool {
	return b.LockCount > 0 && b.LockPeerID != ""
}

// Lock grants peerID a pull lock with the standard countdown
// (spec.md §4.5's lockCount=3 on Have).
func (b *Bucket) Lock(peerID string, count int) {
	b.LockPeerID = peerID
	b.LockCount = count
}

// Unlock releases any held lock, e.g. on receipt of a Msg for this slot.
func (b *Bucket) Unlock() {
	b.LockPeerID = ""
	b.LockCount = 0
}

// TickLock decrements the lock countdown by one tick and reports
// whether it just reached zero while still held (the sweeper's lazy-
// peer detection, spec.md §4.4/§4.5).
func (b *Bucket) TickLock() (timedOut bool, formerPeer string) {
	if !b.Locked() {
		return false, ""
	}
	b.LockCount--
	if b.LockCount <= 0 {
		formerPeer = b.LockPeerID
		b.Unlock()
		return true, formerPeer
	}
	return false, ""
}
