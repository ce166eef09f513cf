// Package smsg wires the envelope, crypto, proof-of-work, bucket
// store, sync protocol, scan pipeline, and address registry packages
// into a single running engine attached to a host node, per spec.md
// §5/§6.
package smsg

import (
	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/scan"
	"rubin.dev/node/smsg/sync"
)

// PeerLink is the host's P2P connection, narrowed to what smsg needs
// to send verbs and report misbehaving peers. Re-exports
// smsg/sync.PeerLink; defined there (not here) to avoid an import
// cycle between this package and smsg/sync.
type PeerLink = sync.PeerLink

// InboxStore is the host's KV persistence for delivered messages.
// Re-exports smsg/scan.InboxStore.
type InboxStore = scan.InboxStore

// StoredEnvelope is the persisted inbox record. Re-exports smsg/scan.StoredEnvelope.
type StoredEnvelope = scan.StoredEnvelope

// PubkeyStore is the host's KV persistence for learned pubkeys.
type PubkeyStore interface {
	GetPubkey(keyHash [addr.KeyHashSize]byte) (pub []byte, ok bool, err error)
	PutPubkey(keyHash [addr.KeyHashSize]byte, pub []byte) error
}

// WalletBackend is the host wallet contract smsg needs: lock state,
// local address enumeration, and the two directions of key lookup
// crypto.KeySource requires. Grounded on how node/p2p.PeerHandler and
// crypto.CryptoProvider are the narrow interfaces this teacher hands
// across a subsystem boundary.
type WalletBackend interface {
	IsLocked() bool
	LocalPubkey(address string) (pub []byte, ok bool)
	LocalPrivateKey(keyHash [addr.KeyHashSize]byte) (priv []byte, ok bool)
	LocalAddresses() []string
}

// walletKeySource adapts a WalletBackend's LocalPrivateKey into the
// OwnerPrivateKey half of crypto.KeySource; RecipientPubkey is served
// by smsg/registry.Registry, which Engine composes this with.
type walletKeySource struct {
	wallet WalletBackend
}

func (w walletKeySource) OwnerPrivateKey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	return w.wallet.LocalPrivateKey(keyHash)
}

// keySource composes the registry's recipient-pubkey lookups with the
// wallet's owner-private-key lookups into a full crypto.KeySource,
// grounded on the same narrow-interface-composition idiom
// smsg/sync.PeerLink and smsg/scan's per-consumer interfaces already
// establish (compose small pieces at the boundary rather than widen
// any one leaf interface).
type keySource struct {
	registry recipientResolver
	wallet   walletKeySource
}

type recipientResolver interface {
	RecipientPubkey(keyHash [addr.KeyHashSize]byte) ([]byte, bool)
}

func (k keySource) RecipientPubkey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	return k.registry.RecipientPubkey(keyHash)
}

func (k keySource) OwnerPrivateKey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	return k.wallet.OwnerPrivateKey(keyHash)
}
