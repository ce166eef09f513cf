// Package scan implements the validate -> decrypt -> inbox dispatch
// pipeline (with a store-to-side-file deferral while the wallet is
// locked) that turns an accepted envelope into a delivered
// message, per spec.md §4.6. Grounded on original C++
// SecureMsgScanMessage/SecureMsgWalletUnlocked (smessage.cpp:2045,
// :1841) and this repo's own channel-based notification idiom
// (node/p2p_runtime.go's event channels).
package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/bucket"
	"rubin.dev/node/smsg/crypto"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/pow"
)

// Outcome is the pipeline's disposition for one envelope (spec.md §4.6).
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeDeferred
	OutcomeNoMatch
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeNoMatch:
		return "no-match"
	case OutcomeDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// AddressInfo is one locally-controlled address the pipeline attempts
// decryption against, sourced from smsg/registry.
type AddressInfo struct {
	Address  string
	KeyHash  [addr.KeyHashSize]byte
	AnonOnly bool
}

// AddressBook supplies the enabled local addresses to try, in order.
type AddressBook interface {
	EnabledAddresses() []AddressInfo
}

// WalletLockChecker is the narrow wallet-lock view the pipeline needs;
// the host's full wallet contract is smsg.WalletBackend.
type WalletLockChecker interface {
	IsLocked() bool
}

// StoredEnvelope is the persisted inbox record (spec.md §3).
type StoredEnvelope struct {
	Header    envelope.Header
	Payload   []byte
	To        string
	From      string
	Status    string
	Timestamp int64
}

// InboxStore is the host's KV persistence for delivered messages. The
// root smsg package re-exports this as smsg.InboxStore.
type InboxStore interface {
	PutInbox(key []byte, entry StoredEnvelope) error
}

// InboxEntry is broadcast on Pipeline.InboxChanged after delivery.
type InboxEntry struct {
	Key       []byte
	To        string
	From      string
	Body      []byte
	Timestamp int64
}

// Pipeline wires the bucket store, the crypto envelope, the address
// book and the host's inbox persistence into spec.md §4.6's four-step
// contract.
type Pipeline struct {
	Store  *bucket.Store
	Keys   crypto.KeySource
	Wallet WalletLockChecker
	Book   AddressBook
	Inbox  InboxStore

	// NotifyCmd, if non-empty, is run via os/exec in a detached
	// goroutine on delivery, with the first "%s" replaced by the
	// receiving address (spec.md §6's -smsgnotify hook).
	NotifyCmd string

	InboxChanged chan InboxEntry
}

// NewPipeline builds a Pipeline. InboxChanged is buffered so a slow
// consumer cannot stall message processing.
func NewPipeline(store *bucket.Store, keys crypto.KeySource, wallet WalletLockChecker, book AddressBook, inbox InboxStore) *Pipeline {
	return &Pipeline{
		Store:        store,
		Keys:         keys,
		Wallet:       wallet,
		Book:         book,
		Inbox:        inbox,
		InboxChanged: make(chan InboxEntry, 64),
	}
}

func inboxKey(timestamp int64, payload []byte) []byte {
	key := make([]byte, 0, 2+8+8)
	key = append(key, 'i', 'm')
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestamp))
	key = append(key, ts[:]...)
	n := 8
	if len(payload) < n {
		n = len(payload)
	}
	key = append(key, payload[:n]...)
	return key
}

// Process runs one (header, payload) pair through the four-step
// pipeline (spec.md §4.6).
func (p *Pipeline) Process(hdr envelope.Header, payload []byte) (Outcome, error) {
	return p.process(hdr, payload, true)
}

func (p *Pipeline) process(hdr envelope.Header, payload []byte, notify bool) (Outcome, error) {
	if err := pow.Validate(hdr, payload); err != nil {
		return OutcomeDropped, nil
	}

	if p.Wallet != nil && p.Wallet.IsLocked() {
		if err := p.Store.Unscanned(hdr, payload); err != nil {
			return OutcomeDeferred, err
		}
		return OutcomeDeferred, nil
	}

	env := envelope.Envelope{Header: hdr, Payload: payload}
	for _, a := range p.Book.EnabledAddresses() {
		msg, err := crypto.Decrypt(a.KeyHash, env, p.Keys, false)
		if err != nil {
			if errors.Is(err, crypto.ErrNotForUs) {
				continue
			}
			continue // any other per-address crypto error also just means "not this address"
		}
		if a.AnonOnly && msg.From != "anon" {
			continue
		}
		p.deliver(a.Address, msg, hdr, payload, notify)
		return OutcomeDelivered, nil
	}
	return OutcomeNoMatch, nil
}

func (p *Pipeline) deliver(to string, msg crypto.MessageData, hdr envelope.Header, payload []byte, notify bool) {
	key := inboxKey(hdr.Timestamp, payload)
	entry := StoredEnvelope{
		Header:    hdr,
		Payload:   payload,
		To:        to,
		From:      msg.From,
		Status:    "unread",
		Timestamp: hdr.Timestamp,
	}
	if p.Inbox != nil {
		if err := p.Inbox.PutInbox(key, entry); err != nil {
			return
		}
	}

	if !notify {
		return // bulk wallet-unlock rescan: persist but suppress live notification (spec.md §4.6)
	}

	select {
	case p.InboxChanged <- InboxEntry{Key: key, To: to, From: msg.From, Body: msg.Body, Timestamp: hdr.Timestamp}:
	default:
		// A full channel means no one is listening; delivery to the
		// inbox store already succeeded, so this is not an error.
	}

	if p.NotifyCmd != "" {
		p.runNotify(to)
	}
}

func (p *Pipeline) runNotify(to string) {
	cmdline := strings.Replace(p.NotifyCmd, "%s", to, 1)
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return
	}
	go func() {
		_ = exec.Command(fields[0], fields[1:]...).Run()
	}()
}

// RescanUnscanned replays every wallet-locked-deferred record within
// retention and deletes the backing files afterward, per spec.md
// §4.6's "On wallet-unlock" clause: the pipeline still runs and still
// persists to the inbox, but suppresses InboxChanged and the notify
// hook for the duration of the bulk replay.
func (p *Pipeline) RescanUnscanned() error {
	var errs []error
	err := p.Store.DrainUnscanned(func(hdr envelope.Header, payload []byte) {
		if _, err := p.process(hdr, payload, false); err != nil {
			errs = append(errs, err)
		}
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("smsg: scan: rescan: %d record(s) failed: %w", len(errs), errs[0])
	}
	return nil
}
