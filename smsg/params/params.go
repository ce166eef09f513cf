// Package params holds the normative constants shared by every smsg
// subsystem package. Keeping them in one leaf package (with no
// dependencies of its own) avoids import cycles between envelope,
// crypto, pow, bucket, sync, scan and registry, all of which need a
// subset of these values.
package params

import "time"

const (
	// BucketLen is the width, in seconds, of one bucket time-slot.
	BucketLen int64 = 3600

	// RetentionSeconds is the maximum age of a bucket before it is expired.
	RetentionSeconds int64 = 172800

	// SendDelaySeconds is the minimum spacing between Inv rounds sent to a peer.
	SendDelaySeconds int64 = 2

	// ThreadDelaySeconds is the sweeper's tick interval.
	ThreadDelaySeconds int64 = 30

	// ThreadLogGapSeconds bounds how often the sweeper logs its own progress.
	ThreadLogGapSeconds int64 = 45

	// TimeLeewaySeconds is the clock-skew tolerance applied to timestamps
	// arriving from peers or supplied by callers.
	TimeLeewaySeconds int64 = 60

	// TimeIgnoreSeconds is how long a lazy peer is added to the local ignore set for.
	TimeIgnoreSeconds int64 = 900

	// MaxMsgBytes is the plaintext ceiling for a non-anonymous message.
	MaxMsgBytes = 4096

	// MaxAnonBytes is the plaintext ceiling for an anonymous message.
	MaxAnonBytes = 24000

	// HdrLen is the fixed length, in bytes, of the envelope header.
	HdrLen = 104

	// PlHdrLen is the length of the non-anonymous plaintext-payload prefix:
	// 1 (address version) + 20 (key hash) + 65 (compact signature) + 4 (length).
	PlHdrLen = 1 + 20 + 65 + 4

	// anonPrefixLen is the length of the anonymous plaintext-payload prefix:
	// 1 (tag 250) + 4 (reserved) + 4 (length). Always kept above 8 bytes
	// per spec so the two forms can never be confused by prefix length alone.
	anonPrefixLen = 1 + 4 + 4

	// aesBlockSize is the PKCS#7 padding block width for AES-256-CBC.
	aesBlockSize = 16

	// MaxMsgWorst is the largest ciphertext-payload size the codec will
	// ever accept: the widest plaintext-payload prefix (the non-anonymous
	// one), the largest permitted plaintext, and one AES block of PKCS#7
	// padding.
	MaxMsgWorst = PlHdrLen + MaxAnonBytes + aesBlockSize

	// CompressAboveBytes is the plaintext length above which the payload
	// is LZ4-compressed rather than stored raw (spec.md §3).
	CompressAboveBytes = 128

	// AnonTagByte marks the anonymous plaintext-payload form.
	AnonTagByte = 250

	// LockCountInitial is the number of sweep ticks a bucket lock survives
	// before its holder is reported lazy.
	LockCountInitial = 3

	// WantBatchMaxMessages / WantBatchMaxBytes bound a single Msg response.
	WantBatchMaxMessages = 500
	WantBatchMaxBytes    = 96000

	// MaxInvEntries bounds a single Inv payload (Retention/BucketLen + 1, plus slack).
	MaxInvEntries = int(RetentionSeconds/BucketLen) + 8
)

// BucketLenDuration and friends are convenience time.Duration views of
// the second-denominated constants above, for call sites that work in
// terms of time.Time/time.Duration rather than raw Unix seconds.
var (
	BucketLenDuration   = time.Duration(BucketLen) * time.Second
	RetentionDuration   = time.Duration(RetentionSeconds) * time.Second
	SendDelayDuration   = time.Duration(SendDelaySeconds) * time.Second
	ThreadDelayDuration = time.Duration(ThreadDelaySeconds) * time.Second
	TimeLeewayDuration  = time.Duration(TimeLeewaySeconds) * time.Second
	TimeIgnoreDuration  = time.Duration(TimeIgnoreSeconds) * time.Second
)

// Slot returns the start time of the bucket that ts falls into.
func Slot(ts int64) int64 {
	m := ts % BucketLen
	if m < 0 {
		m += BucketLen
	}
	return ts - m
}

// Wire verb command strings, carried inside the host's P2P message envelope.
const (
	CmdPing     = "smsgPing"
	CmdPong     = "smsgPong"
	CmdDisabled = "smsgDisabled"
	CmdIgnore   = "smsgIgnore"
	CmdInv      = "smsgInv"
	CmdShow     = "smsgShow"
	CmdHave     = "smsgHave"
	CmdWant     = "smsgWant"
	CmdMsg      = "smsgMsg"
	CmdMatch    = "smsgMatch"
)

// NodeSMSGServiceBit is the services bit a host node advertises when its
// smsg engine is enabled and reachable.
const NodeSMSGServiceBit uint64 = 1 << 5
