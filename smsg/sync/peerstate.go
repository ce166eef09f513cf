package sync

import (
	"time"

	"rubin.dev/node/smsg/params"
)

// PeerPhase is the per-connection state machine spec.md §4.5 names:
// new -> pinging -> active/idle.
type PeerPhase int

const (
	PhaseNew PeerPhase = iota
	PhasePinging
	PhaseActive
	PhaseIdle
)

func (p PeerPhase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhasePinging:
		return "pinging"
	case PhaseActive:
		return "active"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// PeerState is the per-peer bookkeeping the sync protocol needs:
// enabled/lastSeen/lastMatched/ignoreUntil (spec.md §4.5), plus the
// SendDelay throttle clock. Misbehavior is reported straight to the
// host through PeerLink.ReportMisbehavior rather than tracked locally,
// since the host already owns ban-scoring policy (node/p2p/banscore.go);
// smsg only ever calls PeerLink.ReportMisbehavior with the qualitative
// weights spec.md §4.5 names (1 and 10).
type PeerState struct {
	Phase       PeerPhase
	Enabled     bool
	LastSeen    int64
	LastMatched int64
	IgnoreUntil int64
	LastSendAt  int64
}

// NewPeerState creates a fresh per-connection state in PhaseNew.
func NewPeerState() *PeerState {
	return &PeerState{Phase: PhaseNew}
}

// Ignoring reports whether now falls within the peer's mirrored ignore window.
func (s *PeerState) Ignoring(now int64) bool {
	return now < s.IgnoreUntil
}

// ReadyToSend reports whether SendDelay has elapsed since the last send.
func (s *PeerState) ReadyToSend(now int64) bool {
	return now-s.LastSendAt >= params.SendDelaySeconds
}

// MarkSent records a send for SendDelay throttling.
func (s *PeerState) MarkSent(now int64) {
	s.LastSendAt = now
}

// OnPong transitions PhasePinging -> PhaseActive and marks the peer enabled.
func (s *PeerState) OnPong(now int64) {
	s.Phase = PhaseActive
	s.Enabled = true
	s.LastSeen = now
}

// OnDisabled transitions to PhaseIdle and clears Enabled (spec.md §4.5).
func (s *PeerState) OnDisabled(now int64) {
	s.Phase = PhaseIdle
	s.Enabled = false
	s.LastSeen = now
}

// OnIgnore mirrors the peer's stated ignore deadline onto our own
// ignoreUntil, per spec.md §4.5's "for symmetry."
func (s *PeerState) OnIgnore(until int64, now int64) {
	if until > s.IgnoreUntil {
		s.IgnoreUntil = until
	}
	s.LastSeen = now
}

// OnMatch advances lastMatched, clamped to now+TimeLeeway (spec.md §4.5).
func (s *PeerState) OnMatch(t int64, now int64) {
	if max := now + params.TimeLeewaySeconds; t > max {
		t = max
	}
	if t > s.LastMatched {
		s.LastMatched = t
	}
}

// nowUnix is the default clock; Engine overrides it in tests via the
// same nowFn convention smsg/bucket.Store uses.
func nowUnix() int64 { return time.Now().Unix() }
