// Package registry tracks the local addresses smsg listens for and the
// pubkeys it has learned for peer addresses, per spec.md §4.7. Grounded
// on original C++ SecureMsgInsertAddress/SecureMsgAddAddress/ScanBlock
// (smessage.cpp:1477, :2256, :1523).
package registry

import (
	"errors"
	"fmt"
	"sync"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/scan"
)

// ErrAddressMismatch is returned by AddPubkey when the supplied
// public key does not hash to the declared address.
var ErrAddressMismatch = errors.New("registry: pubkey does not match declared address")

// ErrUnknownAddress is returned when an operation names an address the
// registry has no entry for.
var ErrUnknownAddress = errors.New("registry: unknown address")

// WalletBackend is the narrow wallet view the registry's local-pubkey
// lookups (GetLocalPubkey, RecipientPubkey's fallback) need. The host's
// full contract is smsg.WalletBackend.
type WalletBackend interface {
	LocalPubkey(address string) (pub []byte, ok bool)
}

// PubkeyStore is the host's KV persistence for learned pubkeys. The
// root smsg package re-exports this as smsg.PubkeyStore.
type PubkeyStore interface {
	GetPubkey(keyHash [addr.KeyHashSize]byte) (pub []byte, ok bool, err error)
	PutPubkey(keyHash [addr.KeyHashSize]byte, pub []byte) error
}

// AddressEntry is one locally-controlled address tracked by the registry.
type AddressEntry struct {
	Address     string
	Version     byte
	KeyHash     [addr.KeyHashSize]byte
	RecvEnabled bool
	RecvAnon    bool
}

// Registry holds the local address book and the learned-pubkey map. It
// implements scan.AddressBook directly and contributes the
// RecipientPubkey half of crypto.KeySource; engine.go composes it with
// the host wallet's OwnerPrivateKey to build a full KeySource.
type Registry struct {
	mu       sync.RWMutex
	wallet   WalletBackend
	pubkeys  PubkeyStore
	learned  map[[addr.KeyHashSize]byte][]byte
	entries  map[string]*AddressEntry
	seenTxIn map[string]bool // dedup key for HarvestFromWitness; kept for the Registry's lifetime, never cleared

	configPath string
	options    Options
}

// NewRegistry constructs an empty Registry. Load populates it from disk.
func NewRegistry(wallet WalletBackend, pubkeys PubkeyStore) *Registry {
	return &Registry{
		wallet:   wallet,
		pubkeys:  pubkeys,
		learned:  make(map[[addr.KeyHashSize]byte][]byte),
		entries:  make(map[string]*AddressEntry),
		seenTxIn: make(map[string]bool),
	}
}

// AddAddress inserts or updates a locally-controlled address entry and
// immediately persists the config (spec.md §4.7's original write-through
// behavior, supplementing the "persisted on shutdown" baseline).
func (r *Registry) AddAddress(address string, recvEnabled, recvAnon bool) error {
	version, keyHash, err := addr.DecodeAddress(address)
	if err != nil {
		return fmt.Errorf("registry: add address: %w", err)
	}
	r.mu.Lock()
	r.entries[address] = &AddressEntry{
		Address:     address,
		Version:     version,
		KeyHash:     keyHash,
		RecvEnabled: recvEnabled,
		RecvAnon:    recvAnon,
	}
	r.mu.Unlock()
	return r.writeThrough()
}

// Enable/Disable toggle RecvEnabled for an existing address and write
// through, mirroring SecureMsgAddAddress's immediate SecureMsgWriteIni.
func (r *Registry) Enable(address string) error  { return r.setEnabled(address, true) }
func (r *Registry) Disable(address string) error { return r.setEnabled(address, false) }

func (r *Registry) setEnabled(address string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.entries[address]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	e.RecvEnabled = enabled
	r.mu.Unlock()
	return r.writeThrough()
}

// OnKeyLabelChanged updates an address's receive/anon flags in place
// without a full config reload, mirroring SecureMsgWalletKeyChanged
// (smessage.cpp:1992): the wallet is the source of truth for whether an
// address still exists, this just keeps the in-memory entry in sync.
func (r *Registry) OnKeyLabelChanged(address string, recvEnabled, recvAnon bool) error {
	r.mu.Lock()
	e, ok := r.entries[address]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	e.RecvEnabled = recvEnabled
	e.RecvAnon = recvAnon
	r.mu.Unlock()
	return r.writeThrough()
}

// EnabledAddresses implements scan.AddressBook.
func (r *Registry) EnabledAddresses() []scan.AddressInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scan.AddressInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.RecvEnabled {
			continue
		}
		out = append(out, scan.AddressInfo{Address: e.Address, KeyHash: e.KeyHash, AnonOnly: e.RecvAnon})
	}
	return out
}

// GetLocalPubkey resolves a local address's public key via the wallet
// (spec.md §4.7).
func (r *Registry) GetLocalPubkey(address string) ([]byte, bool) {
	return r.wallet.LocalPubkey(address)
}

// GetStoredPubkey resolves a learned pubkey by key hash, checking the
// in-memory map before falling back to the backing store.
func (r *Registry) GetStoredPubkey(keyHash [addr.KeyHashSize]byte) ([]byte, bool, error) {
	r.mu.RLock()
	if pub, ok := r.learned[keyHash]; ok {
		r.mu.RUnlock()
		return pub, true, nil
	}
	r.mu.RUnlock()
	if r.pubkeys == nil {
		return nil, false, nil
	}
	pub, ok, err := r.pubkeys.GetPubkey(keyHash)
	if err != nil || !ok {
		return nil, false, err
	}
	r.mu.Lock()
	r.learned[keyHash] = pub
	r.mu.Unlock()
	return pub, true, nil
}

// AddPubkey verifies that pubkeyCompressed's derived address equals
// declaredAddress, then inserts it into the learned map and backing
// store (spec.md §4.7).
func (r *Registry) AddPubkey(declaredAddress string, pubkeyCompressed []byte) error {
	_, keyHash, err := addr.DecodeAddress(declaredAddress)
	if err != nil {
		return fmt.Errorf("registry: add pubkey: %w", err)
	}
	if got := addr.KeyHash(pubkeyCompressed); got != keyHash {
		return ErrAddressMismatch
	}

	r.mu.Lock()
	r.learned[keyHash] = pubkeyCompressed
	r.mu.Unlock()

	if r.pubkeys != nil {
		if err := r.pubkeys.PutPubkey(keyHash, pubkeyCompressed); err != nil {
			return fmt.Errorf("registry: persist pubkey: %w", err)
		}
	}
	return nil
}

// RecipientPubkey implements crypto.KeySource for the recipient side:
// consult the learned map/store first, then the local wallet (spec.md
// §4.2 step 4).
func (r *Registry) RecipientPubkey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	if pub, ok, err := r.GetStoredPubkey(keyHash); err == nil && ok {
		return pub, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.KeyHash == keyHash {
			if pub, ok := r.wallet.LocalPubkey(e.Address); ok {
				return pub, true
			}
		}
	}
	return nil, false
}

// witnessKey builds the dedup key for HarvestFromWitness: same stake
// tx and input index only counted once (spec.md §4.7 "skip duplicate
// inputs of the same stake tx").
func witnessKey(txid string, vin uint32) string {
	return fmt.Sprintf("%s:%d", txid, vin)
}

// HarvestFromWitness inspects one transaction input's witness stack;
// if it carries exactly a signature and a 33-byte compressed public
// key, derives its address and stores the pubkey in the learned map.
// Deduplicates repeat calls for the same (txid, vin) pair.
func (r *Registry) HarvestFromWitness(txid string, vin uint32, stack [][]byte) (address string, pub []byte, ok bool) {
	key := witnessKey(txid, vin)
	r.mu.Lock()
	if r.seenTxIn[key] {
		r.mu.Unlock()
		return "", nil, false
	}
	r.seenTxIn[key] = true
	r.mu.Unlock()

	if len(stack) != 2 || len(stack[1]) != 33 {
		return "", nil, false
	}
	pubkey := stack[1]
	keyHash := addr.KeyHash(pubkey)
	address = addr.EncodeAddress(r.options.AddressVersion, keyHash)

	r.mu.Lock()
	r.learned[keyHash] = pubkey
	r.mu.Unlock()
	if r.pubkeys != nil {
		if err := r.pubkeys.PutPubkey(keyHash, pubkey); err != nil {
			return "", nil, false
		}
	}
	return address, pubkey, true
}

// ScanChainForPublicKeys runs HarvestFromWitness over every input of
// every transaction in [from, to], a bulk startup catch-up pass
// grounded on SecureMsgScanBlockChain (smessage.cpp:1613). blockAt
// resolves a height to a wire-encoded block; txInputs decodes the
// block's witness stacks. The exact block/tx encoding is host-owned,
// so both are supplied by the caller.
func (r *Registry) ScanChainForPublicKeys(from, to uint64, blockAt func(height uint64) ([]byte, error), txInputs func(block []byte) (txid []string, witnesses [][][][]byte, err error)) (harvested int, err error) {
	for h := from; h <= to; h++ {
		raw, err := blockAt(h)
		if err != nil {
			return harvested, fmt.Errorf("registry: scan chain: block %d: %w", h, err)
		}
		txids, witnesses, err := txInputs(raw)
		if err != nil {
			return harvested, fmt.Errorf("registry: scan chain: decode block %d: %w", h, err)
		}
		for i, txid := range txids {
			for vin, stack := range witnesses[i] {
				if _, _, ok := r.HarvestFromWitness(txid, uint32(vin), stack); ok {
					harvested++
				}
			}
		}
	}
	return harvested, nil
}
