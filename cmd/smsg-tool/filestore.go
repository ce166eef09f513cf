package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/scan"
)

func derivePubkey(priv []byte) []byte {
	return secp256k1.PrivKeyFromBytes(priv).PubKey().SerializeCompressed()
}

// fileWallet is a minimal file-backed smsg.WalletBackend for local
// testing: one JSON file mapping address -> hex-encoded 32-byte
// private key. It never reports locked, since this tool has no
// passphrase concept of its own.
type fileWallet struct {
	path string
	mu   sync.Mutex
	keys map[string]string // address -> hex privkey
}

func openFileWallet(datadir string) (*fileWallet, error) {
	w := &fileWallet{path: filepath.Join(datadir, "smsg-tool-wallet.json"), keys: map[string]string{}}
	if err := loadJSON(w.path, &w.keys); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *fileWallet) IsLocked() bool { return false }

func (w *fileWallet) LocalAddresses() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.keys))
	for a := range w.keys {
		out = append(out, a)
	}
	return out
}

func (w *fileWallet) LocalPubkey(address string) ([]byte, bool) {
	priv, ok := w.privateKeyFor(address)
	if !ok {
		return nil, false
	}
	return derivePubkey(priv), true
}

func (w *fileWallet) LocalPrivateKey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for address, hexPriv := range w.keys {
		_, kh, err := addr.DecodeAddress(address)
		if err != nil || kh != keyHash {
			continue
		}
		priv, err := hex.DecodeString(hexPriv)
		if err != nil {
			continue
		}
		return priv, true
	}
	return nil, false
}

func (w *fileWallet) privateKeyFor(address string) ([]byte, bool) {
	w.mu.Lock()
	hexPriv, ok := w.keys[address]
	w.mu.Unlock()
	if !ok {
		return nil, false
	}
	priv, err := hex.DecodeString(hexPriv)
	if err != nil {
		return nil, false
	}
	return priv, true
}

// addIdentity stores a freshly generated key under address and
// persists the wallet file.
func (w *fileWallet) addIdentity(address string, priv []byte) error {
	w.mu.Lock()
	w.keys[address] = hex.EncodeToString(priv)
	snapshot := make(map[string]string, len(w.keys))
	for k, v := range w.keys {
		snapshot[k] = v
	}
	w.mu.Unlock()
	return saveJSON(w.path, snapshot)
}

// filePubkeyStore is a minimal file-backed smsg.PubkeyStore: one JSON
// file mapping hex key-hash -> hex compressed pubkey.
type filePubkeyStore struct {
	path string
	mu   sync.Mutex
	m    map[string]string
}

func openFilePubkeyStore(datadir string) (*filePubkeyStore, error) {
	s := &filePubkeyStore{path: filepath.Join(datadir, "smsg-tool-pubkeys.json"), m: map[string]string{}}
	if err := loadJSON(s.path, &s.m); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *filePubkeyStore) GetPubkey(kh [addr.KeyHashSize]byte) ([]byte, bool, error) {
	s.mu.Lock()
	hexPub, ok := s.m[hex.EncodeToString(kh[:])]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	pub, err := hex.DecodeString(hexPub)
	if err != nil {
		return nil, false, fmt.Errorf("smsg-tool: pubkey store: corrupt entry: %w", err)
	}
	return pub, true, nil
}

func (s *filePubkeyStore) PutPubkey(kh [addr.KeyHashSize]byte, pub []byte) error {
	s.mu.Lock()
	s.m[hex.EncodeToString(kh[:])] = hex.EncodeToString(pub)
	snapshot := make(map[string]string, len(s.m))
	for k, v := range s.m {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return saveJSON(s.path, snapshot)
}

// fileInboxEntry is the on-disk shape of one delivered message. The
// envelope stays ciphertext at rest (hex-encoded header||payload,
// spec.md's Non-goals exclude plaintext storage); the "inbox" command
// decrypts on read using the local wallet's private key.
type fileInboxEntry struct {
	To        string `json:"to"`
	RawHex    string `json:"raw"`
	Timestamp int64  `json:"timestamp"`
}

// fileInbox is a minimal file-backed smsg.InboxStore: one JSON array
// of delivered messages, rewritten wholesale on every append (this
// tool is a local testing aid, not a production message store).
type fileInbox struct {
	path string
	mu   sync.Mutex
}

func openFileInbox(datadir string) *fileInbox {
	return &fileInbox{path: filepath.Join(datadir, "smsg-tool-inbox.json")}
}

func (i *fileInbox) PutInbox(_ []byte, entry scan.StoredEnvelope) error {
	raw, err := envelope.Encode(entry.Header, entry.Payload)
	if err != nil {
		return fmt.Errorf("smsg-tool: encode inbox envelope: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	var entries []fileInboxEntry
	if err := loadJSON(i.path, &entries); err != nil {
		return err
	}
	entries = append(entries, fileInboxEntry{
		To:        entry.To,
		RawHex:    hex.EncodeToString(raw),
		Timestamp: entry.Timestamp,
	})
	return saveJSON(i.path, entries)
}

func (i *fileInbox) list() ([]fileInboxEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var entries []fileInboxEntry
	if err := loadJSON(i.path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func loadJSON(path string, v any) error {
	b, err := os.ReadFile(path) // #nosec G304 -- path derived from operator-controlled datadir
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("smsg-tool: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("smsg-tool: parse %s: %w", path, err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("smsg-tool: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("smsg-tool: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
