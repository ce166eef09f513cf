package sync

import (
	"errors"
	"sync"

	"rubin.dev/node/smsg/bucket"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
	"rubin.dev/node/smsg/pow"
)

// PeerLink is the host's P2P connection, narrowed to what the sync
// protocol needs to emit verbs and report misbehavior. The root smsg
// package re-exports this type as smsg.PeerLink.
type PeerLink interface {
	ID() string
	Send(command string, payload []byte) error
	HasCapability(bit uint64) bool
	ReportMisbehavior(delta int)
}

// MessageHandler is invoked once per envelope accepted into the
// bucket store via a Msg verb. smsg/scan wires its validate/decrypt/
// inbox pipeline in here without smsg/sync importing smsg/scan
// directly, keeping the dependency one-directional.
type MessageHandler func(env envelope.Envelope, tok bucket.Token)

const (
	misbehaviorMinor = 1  // shape/time violations (spec.md §4.5)
	misbehaviorMajor = 10 // invalid PoW
)

// Protocol drives the ten-verb gossip state machine for a set of
// peers against a shared bucket.Store, grounded on node/p2p/peer.go's
// verb-switch Run loop and node/p2p/banscore.go's misbehavior scoring
// (delegated here to the host through PeerLink.ReportMisbehavior).
type Protocol struct {
	store *bucket.Store
	nowFn func() int64
	onMsg MessageHandler

	mu    sync.Mutex // guards peers, the per-peer sync state map (the level below Engine.peersMu in the engine's lock order)
	peers map[string]*PeerState
}

// NewProtocol builds a Protocol over store. onMsg may be nil.
func NewProtocol(store *bucket.Store, nowFn func() int64, onMsg MessageHandler) *Protocol {
	if nowFn == nil {
		nowFn = nowUnix
	}
	return &Protocol{store: store, nowFn: nowFn, onMsg: onMsg, peers: map[string]*PeerState{}}
}

func (p *Protocol) stateFor(id string) *PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.peers[id]
	if !ok {
		s = NewPeerState()
		p.peers[id] = s
	}
	return s
}

// State returns a copy of a peer's current state, or (zero, false) if unknown.
func (p *Protocol) State(id string) (PeerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return *s, true
}

// Forget drops a disconnected peer's state.
func (p *Protocol) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// MarkInvSent records that an Inv round was just sent to id, for the
// SendDelay throttle (spec.md §4.5). The engine's periodic tick calls
// this after a successful send.
func (p *Protocol) MarkInvSent(id string, now int64) {
	p.stateFor(id).MarkSent(now)
}

// PeerIDs returns all known peer ids.
func (p *Protocol) PeerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	return out
}

// OnConnect sends the initial Ping and moves the peer to pinging
// (spec.md §4.5: "Sent on first contact.").
func (p *Protocol) OnConnect(link PeerLink) error {
	s := p.stateFor(link.ID())
	s.Phase = PhasePinging
	return link.Send(params.CmdPing, nil)
}

// Dispatch handles one verb received from link, translating
// structural violations into ReportMisbehavior calls at the
// qualitative weights spec.md §4.5 gives.
func (p *Protocol) Dispatch(link PeerLink, command string, payload []byte) error {
	s := p.stateFor(link.ID())
	now := p.nowFn()

	switch command {
	case params.CmdPing:
		return link.Send(params.CmdPong, nil)
	case params.CmdPong:
		s.OnPong(now)
		return nil
	case params.CmdDisabled:
		s.OnDisabled(now)
		return nil
	case params.CmdIgnore:
		ip, err := DecodeIgnorePayload(payload)
		if err != nil {
			link.ReportMisbehavior(misbehaviorMinor)
			return nil
		}
		s.OnIgnore(ip.Until, now)
		return nil
	case params.CmdInv:
		return p.handleInv(link, s, payload, now)
	case params.CmdShow:
		return p.handleShow(link, payload)
	case params.CmdHave:
		return p.handleHave(link, s, payload, now)
	case params.CmdWant:
		return p.handleWant(link, payload)
	case params.CmdMsg:
		return p.handleMsg(link, payload, now)
	case params.CmdMatch:
		mp, err := DecodeMatchPayload(payload)
		if err != nil {
			link.ReportMisbehavior(misbehaviorMinor)
			return nil
		}
		s.OnMatch(mp.Time, now)
		return nil
	default:
		return nil // unknown command: ignore, no misbehavior (matches node/p2p/peer.go)
	}
}

// BuildInv assembles the Inv payload for a peer whose lastMatched
// watermark is lastMatched, including only non-empty buckets changed
// since then (spec.md §4.5).
func (p *Protocol) BuildInv(lastMatched int64) []InvEntry {
	var entries []InvEntry
	for _, slot := range p.store.Slots() {
		b := p.store.Snapshot(slot)
		if b == nil || len(b.Tokens) == 0 {
			continue
		}
		if b.TimeChanged <= lastMatched {
			continue
		}
		entries = append(entries, InvEntry{Slot: slot, NMessages: uint32(len(b.Tokens)), Hash: b.Hash})
	}
	return entries
}

func (p *Protocol) handleInv(link PeerLink, s *PeerState, payload []byte, now int64) error {
	entries, err := DecodeInvPayload(payload, params.MaxInvEntries)
	if err != nil {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}
	minSlot := now - params.RetentionSeconds - params.TimeLeewaySeconds
	maxSlot := now + params.TimeLeewaySeconds
	for _, e := range entries {
		if e.Slot < minSlot || e.Slot > maxSlot {
			link.ReportMisbehavior(misbehaviorMinor)
			return nil
		}
	}

	var wantSlots []int64
	anyLocked := false
	for _, e := range entries {
		local := p.store.Snapshot(e.Slot)
		if local != nil && local.Locked() {
			anyLocked = true
			continue
		}
		localCount := 0
		var localHash uint32
		if local != nil {
			localCount = len(local.Tokens)
			localHash = local.Hash
		}
		if localCount < int(e.NMessages) || (localCount == int(e.NMessages) && localHash != e.Hash) {
			wantSlots = append(wantSlots, e.Slot)
		}
	}

	if len(wantSlots) > 0 {
		return link.Send(params.CmdShow, EncodeShowPayload(wantSlots))
	}
	if anyLocked {
		return nil // do not emit Match while any relevant bucket is locked; peer retries later
	}
	return link.Send(params.CmdMatch, EncodeMatchPayload(MatchPayload{Time: now}))
}

func (p *Protocol) handleShow(link PeerLink, payload []byte) error {
	slots, err := DecodeShowPayload(payload, params.MaxInvEntries)
	if err != nil {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}
	for _, slot := range slots {
		b := p.store.Snapshot(slot)
		if b == nil {
			continue // missing slots are silently skipped
		}
		if err := link.Send(params.CmdHave, EncodeHavePayload(TokenListPayload{Slot: slot, Tokens: b.Tokens})); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) handleHave(link PeerLink, s *PeerState, payload []byte, now int64) error {
	tl, err := DecodeHavePayload(payload, params.WantBatchMaxMessages)
	if err != nil {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}
	missing := p.store.Missing(tl.Slot, tl.Tokens)
	if len(missing) == 0 {
		return nil
	}
	p.store.WithBucket(tl.Slot, func(b *bucket.Bucket) {
		b.Lock(link.ID(), params.LockCountInitial)
	})
	return link.Send(params.CmdWant, EncodeWantPayload(TokenListPayload{Slot: tl.Slot, Tokens: missing}))
}

func (p *Protocol) handleWant(link PeerLink, payload []byte) error {
	tl, err := DecodeWantPayload(payload, params.WantBatchMaxMessages)
	if err != nil {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}
	resolved, err := p.store.ResolveWant(tl.Slot, tl.Tokens)
	if err != nil || len(resolved) == 0 {
		return nil
	}

	var batch [][]byte
	var batchBytes int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		mp, err := EncodeMsgPayload(MsgPayload{Slot: tl.Slot, Envelopes: batch})
		if err != nil {
			return err
		}
		batch, batchBytes = nil, 0
		return link.Send(params.CmdMsg, mp)
	}

	for _, r := range resolved {
		if len(batch) >= params.WantBatchMaxMessages || batchBytes+len(r.Bytes) > params.WantBatchMaxBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, r.Bytes)
		batchBytes += len(r.Bytes)
	}
	return flush()
}

func (p *Protocol) handleMsg(link PeerLink, payload []byte, now int64) error {
	mp, err := DecodeMsgPayload(payload)
	if err != nil {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}
	minSlot := now - params.RetentionSeconds
	maxSlot := now + params.TimeLeewaySeconds
	if mp.Slot < minSlot || mp.Slot > maxSlot {
		link.ReportMisbehavior(misbehaviorMinor)
		return nil
	}

	for _, raw := range mp.Envelopes {
		env, err := envelope.Decode(raw)
		if err != nil {
			link.ReportMisbehavior(misbehaviorMinor)
			continue
		}
		if verr := pow.Validate(env.Header, env.Payload); verr != nil {
			if errors.Is(verr, pow.ErrPoWFailed) {
				link.ReportMisbehavior(misbehaviorMajor)
			} else {
				link.ReportMisbehavior(misbehaviorMinor)
			}
			continue
		}
		tok, ierr := p.store.Insert(env.Header, env.Payload, false)
		if ierr != nil {
			continue // duplicate/expired: not misbehavior, just a race with another peer
		}
		if p.onMsg != nil {
			p.onMsg(env, tok)
		}
	}

	p.store.WithBucket(mp.Slot, func(b *bucket.Bucket) {
		b.Unlock()
		b.RecomputeHash(now)
	})
	return nil
}

