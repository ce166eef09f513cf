package bucket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
)

var (
	// ErrDuplicate is returned by Insert when the token already exists.
	ErrDuplicate = errors.New("smsg: bucket: duplicate token")
	// ErrExpired / ErrInFuture reject timestamps outside the accepted window.
	ErrExpired  = errors.New("smsg: bucket: timestamp expired")
	ErrInFuture = errors.New("smsg: bucket: timestamp in future")
	// ErrLocked indicates the bucket is currently held by another peer's pull.
	ErrLocked = errors.New("smsg: bucket: locked")
	// ErrNotFound is returned by Retrieve for an unknown token.
	ErrNotFound = errors.New("smsg: bucket: token not found")
)

var metaBucketName = []byte("buckets")

// Store owns the bucket map and the on-disk append-only logs under
// <datadir>/smsgstore/. It mirrors node/store.DB's shape: an owning
// handle over a directory plus an in-memory index, opened once at
// startup and closed at shutdown.
type Store struct {
	dir string
	idx *bolt.DB // buckets.db, opened with an empty "buckets" bucket; nothing is written to it

	mu      sync.Mutex // the "bucket lock" (spec.md §5)
	buckets map[int64]*Bucket

	nowFn func() int64
}

// Open opens (creating if necessary) the bucket store rooted at
// <datadir>/smsgstore/, and loads any buckets already on disk within
// the retention window (spec.md §4.4 "Load at startup").
func Open(datadir string, nowFn func() int64) (*Store, error) {
	if nowFn == nil {
		return nil, fmt.Errorf("smsg: bucket: nil nowFn")
	}
	dir := filepath.Join(datadir, "smsgstore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("smsg: bucket: mkdir: %w", err)
	}

	idx, err := bolt.Open(filepath.Join(dir, "buckets.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("smsg: bucket: open index: %w", err)
	}
	if err := idx.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucketName)
		return err
	}); err != nil {
		_ = idx.Close()
		return nil, err
	}

	s := &Store{dir: dir, idx: idx, buckets: map[int64]*Bucket{}, nowFn: nowFn}
	if err := s.load(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the side-index handle. Bucket files themselves are
// opened and closed per-call; there is nothing else to release.
func (s *Store) Close() error {
	if s == nil || s.idx == nil {
		return nil
	}
	return s.idx.Close()
}

func slotFileName(slot int64, wl bool) string {
	if wl {
		return strconv.FormatInt(slot, 10) + "_01_wl.dat"
	}
	return strconv.FormatInt(slot, 10) + "_01.dat"
}

func (s *Store) slotPath(slot int64, wl bool) string {
	return filepath.Join(s.dir, slotFileName(slot, wl))
}

// load scans the store directory at startup, rebuilding the in-memory
// token index from each <slot>_01.dat file within retention, and
// deleting anything already expired (spec.md §4.4).
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("smsg: bucket: read dir: %w", err)
	}
	now := s.nowFn()
	cutoff := now - params.RetentionSeconds

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".dat" {
			continue
		}
		if len(name) >= len("_01_wl.dat") && name[len(name)-len("_01_wl.dat"):] == "_01_wl.dat" {
			slot, ok := parseSlotFromWLName(name)
			if ok && slot < cutoff {
				_ = os.Remove(filepath.Join(s.dir, name))
			}
			continue // _wl files carry no in-memory tokens
		}
		slot, ok := parseSlotFromName(name)
		if !ok {
			continue
		}
		if slot < cutoff {
			_ = os.Remove(filepath.Join(s.dir, name))
			_ = os.Remove(s.slotPath(slot, true))
			continue
		}
		if err := s.loadSlotFile(slot); err != nil {
			return err
		}
	}
	return nil
}

func parseSlotFromName(name string) (int64, bool) {
	const suffix = "_01.dat"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return 0, false
	}
	slot, err := strconv.ParseInt(name[:len(name)-len(suffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return slot, true
}

func parseSlotFromWLName(name string) (int64, bool) {
	const suffix = "_01_wl.dat"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return 0, false
	}
	slot, err := strconv.ParseInt(name[:len(name)-len(suffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return slot, true
}

// loadSlotFile reads successive (header, payload) records from
// <slot>_01.dat, inserting a token per record without re-verifying
// PoW or MAC (the file already only ever holds accepted envelopes).
func (s *Store) loadSlotFile(slot int64) error {
	f, err := os.Open(s.slotPath(slot, false))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("smsg: bucket: open %d: %w", slot, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	b := newBucket(slot)
	var offset int64

	for {
		hdrBytes := make([]byte, params.HdrLen)
		n, err := io.ReadFull(r, hdrBytes)
		if err == io.EOF {
			break
		}
		if err != nil || n != params.HdrLen {
			return fmt.Errorf("smsg: bucket: truncated header in slot %d at offset %d", slot, offset)
		}
		hdr, err := envelope.DecodeHeader(hdrBytes)
		if err != nil {
			return fmt.Errorf("smsg: bucket: %w", err)
		}
		payload := make([]byte, hdr.NPayload)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("smsg: bucket: truncated payload in slot %d at offset %d", slot, offset)
		}

		tok := Token{Timestamp: hdr.Timestamp, Sample: sampleOf(payload), Offset: offset}
		if !b.has(tok) {
			b.insert(tok)
		}
		offset += int64(params.HdrLen) + int64(hdr.NPayload)
	}

	b.RecomputeHash(s.nowFn())
	s.buckets[slot] = b
	return nil
}

// Insert appends env to its slot's bucket file and adds a token for
// it, returning ErrDuplicate if the (timestamp, sample) identity is
// already present. When updateHash is true the bucket's XXH32 hash is
// recomputed before returning (spec.md §4.4).
func (s *Store) Insert(hdr envelope.Header, payload []byte, updateHash bool) (Token, error) {
	now := s.nowFn()
	if hdr.Timestamp < now-params.RetentionSeconds {
		return Token{}, ErrExpired
	}
	if hdr.Timestamp > now+params.TimeLeewaySeconds {
		return Token{}, ErrInFuture
	}

	slot := params.Slot(hdr.Timestamp)
	tok := Token{Timestamp: hdr.Timestamp, Sample: sampleOf(payload)}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[slot]
	if b == nil {
		b = newBucket(slot)
		s.buckets[slot] = b
	}
	if b.has(tok) {
		return Token{}, ErrDuplicate
	}

	offset, err := s.appendRecord(slot, false, hdr, payload)
	if err != nil {
		return Token{}, err
	}
	tok.Offset = offset
	b.insert(tok)
	b.TimeChanged = now
	if updateHash {
		b.RecomputeHash(now)
	}
	return tok, nil
}

// Unscanned writes env to the slot's "<slot>_01_wl.dat" side file used
// while the host wallet is locked, without touching the in-memory
// index (spec.md §4.4).
func (s *Store) Unscanned(hdr envelope.Header, payload []byte) error {
	slot := params.Slot(hdr.Timestamp)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.appendRecord(slot, true, hdr, payload)
	return err
}

func (s *Store) appendRecord(slot int64, wl bool, hdr envelope.Header, payload []byte) (int64, error) {
	path := s.slotPath(slot, wl)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("smsg: bucket: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := info.Size()

	rec, err := envelope.Encode(hdr, payload)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(rec); err != nil {
		return 0, fmt.Errorf("smsg: bucket: write %s: %w", path, err)
	}
	return offset, nil
}

// Retrieve reads back the full serialized envelope bytes for tok.
func (s *Store) Retrieve(slot int64, tok Token) ([]byte, error) {
	f, err := os.Open(s.slotPath(slot, false))
	if err != nil {
		return nil, fmt.Errorf("smsg: bucket: retrieve: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(tok.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("smsg: bucket: retrieve seek: %w", err)
	}
	hdrBytes := make([]byte, params.HdrLen)
	if _, err := io.ReadFull(f, hdrBytes); err != nil {
		return nil, fmt.Errorf("smsg: bucket: retrieve header: %w", err)
	}
	hdr, err := envelope.DecodeHeader(hdrBytes)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, hdr.NPayload)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("smsg: bucket: retrieve payload: %w", err)
	}
	out := make([]byte, 0, len(hdrBytes)+len(payload))
	out = append(out, hdrBytes...)
	out = append(out, payload...)
	return out, nil
}

// Missing returns the subset of candidates not already present in the
// bucket at slot, creating the bucket if it does not yet exist (used
// by the Have verb handler, spec.md §4.5).
func (s *Store) Missing(slot int64, candidates []Token) []Token {
	var out []Token
	s.WithBucket(slot, func(b *Bucket) {
		out = b.missing(candidates)
	})
	return out
}

// Resolved pairs a requested token with its serialized envelope bytes.
type Resolved struct {
	Token Token
	Bytes []byte
}

// ResolveWant looks up each requested token in slot's bucket and reads
// back its serialized envelope, skipping any token no longer present
// (spec.md §4.5's Want handler: "looks up each token locally").
func (s *Store) ResolveWant(slot int64, requested []Token) ([]Resolved, error) {
	var found []Token
	s.WithBucket(slot, func(b *Bucket) {
		for _, tok := range requested {
			if local, ok := b.find(tok); ok {
				found = append(found, local)
			}
		}
	})
	out := make([]Resolved, 0, len(found))
	for _, tok := range found {
		raw, err := s.Retrieve(slot, tok)
		if err != nil {
			continue // file may have rolled since the lookup; skip rather than fail the batch
		}
		out = append(out, Resolved{Token: tok, Bytes: raw})
	}
	return out, nil
}

// readRecords streams successive (header, payload) records from f,
// calling fn for each. Shared by loadSlotFile and DrainUnscanned.
func readRecords(f *os.File, fn func(hdr envelope.Header, payload []byte)) error {
	r := bufio.NewReader(f)
	for {
		hdrBytes := make([]byte, params.HdrLen)
		n, err := io.ReadFull(r, hdrBytes)
		if err == io.EOF {
			return nil
		}
		if err != nil || n != params.HdrLen {
			return fmt.Errorf("smsg: bucket: truncated header")
		}
		hdr, err := envelope.DecodeHeader(hdrBytes)
		if err != nil {
			return fmt.Errorf("smsg: bucket: %w", err)
		}
		payload := make([]byte, hdr.NPayload)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("smsg: bucket: truncated payload")
		}
		fn(hdr, payload)
	}
}

// DrainUnscanned replays every "<slot>_01_wl.dat" file within the
// retention window through process, then deletes the file (spec.md
// §4.6: "On wallet-unlock, scan all _wl files ... then delete the _wl
// files."). It does not touch the in-memory bucket index; the records
// were never counted as stored tokens.
func (s *Store) DrainUnscanned(process func(hdr envelope.Header, payload []byte)) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("smsg: bucket: read dir: %w", err)
	}
	now := s.nowFn()
	cutoff := now - params.RetentionSeconds

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		slot, ok := parseSlotFromWLName(e.Name())
		if !ok || slot < cutoff {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return readRecords(f, process)
		}(); err != nil {
			return fmt.Errorf("smsg: bucket: drain %s: %w", e.Name(), err)
		}
		_ = os.Remove(path)
	}
	return nil
}

// Snapshot returns a defensive copy of the bucket at slot, or nil.
func (s *Store) Snapshot(slot int64) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[slot]
	if !ok {
		return nil
	}
	cp := *b
	cp.Tokens = append([]Token(nil), b.Tokens...)
	return &cp
}

// Slots returns all live bucket slots in ascending order (the
// sweeper's oldest-first iteration order, spec.md §9).
func (s *Store) Slots() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.buckets))
	for slot := range s.buckets {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithBucket runs fn with exclusive access to the bucket at slot,
// creating it if it does not exist. This is the primitive the sync
// protocol builds Show/Have/Want/Msg handling on top of, so lock
// mutation and token mutation share one critical section.
func (s *Store) WithBucket(slot int64, fn func(b *Bucket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[slot]
	if b == nil {
		b = newBucket(slot)
		s.buckets[slot] = b
	}
	fn(b)
}

// Sweep expires buckets older than the retention window and ticks
// down every live bucket's lock countdown, returning the peer ids
// whose lock just timed out (spec.md §4.4, §8 scenario 6).
func (s *Store) Sweep() (timedOutPeers []string) {
	now := s.nowFn()
	cutoff := now - params.RetentionSeconds

	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, b := range s.buckets {
		if slot < cutoff {
			delete(s.buckets, slot)
			_ = os.Remove(s.slotPath(slot, false))
			_ = os.Remove(s.slotPath(slot, true))
			continue
		}
		if timedOut, peer := b.TickLock(); timedOut {
			timedOutPeers = append(timedOutPeers, peer)
		}
	}
	return timedOutPeers
}
