package crypto

import (
	"bytes"
	"strings"
	"testing"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"rubin.dev/node/smsg/addr"
)

// fakeKeys is a minimal KeySource backed by in-memory maps, standing
// in for the host wallet + learned-pubkey registry combination.
type fakeKeys struct {
	pubkeys map[[addr.KeyHashSize]byte][]byte
	privs   map[[addr.KeyHashSize]byte][]byte
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{
		pubkeys: map[[addr.KeyHashSize]byte][]byte{},
		privs:   map[[addr.KeyHashSize]byte][]byte{},
	}
}

func (f *fakeKeys) RecipientPubkey(kh [addr.KeyHashSize]byte) ([]byte, bool) {
	p, ok := f.pubkeys[kh]
	return p, ok
}

func (f *fakeKeys) OwnerPrivateKey(kh [addr.KeyHashSize]byte) ([]byte, bool) {
	p, ok := f.privs[kh]
	return p, ok
}

type identity struct {
	keyHash [addr.KeyHashSize]byte
	priv    *secp256k1.PrivateKey
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return identity{
		keyHash: addr.KeyHash(priv.PubKey().SerializeCompressed()),
		priv:    priv,
	}
}

func (id identity) register(keys *fakeKeys) {
	keys.pubkeys[id.keyHash] = id.priv.PubKey().SerializeCompressed()
	keys.privs[id.keyHash] = id.priv.Serialize()
}

func TestRoundTripNonAnonymous(t *testing.T) {
	keys := newFakeKeys()
	sender := newIdentity(t)
	receiver := newIdentity(t)
	sender.register(keys)
	receiver.register(keys)

	from := &SenderIdentity{
		AddressVersion: 0x38,
		KeyHash:        sender.keyHash,
		PrivateKey:     sender.priv.Serialize(),
	}

	env, err := Encrypt(from, receiver.keyHash, []byte("hello"), keys)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	msg, err := Decrypt(receiver.keyHash, env, keys, false)
	if err != nil {
		t.Fatalf("Decrypt as receiver: %v", err)
	}
	if !bytes.Equal(msg.Body, []byte("hello")) {
		t.Errorf("body = %q, want %q", msg.Body, "hello")
	}

	if _, err := Decrypt(sender.keyHash, env, keys, false); err != ErrNotForUs {
		t.Fatalf("Decrypt as sender: got %v, want ErrNotForUs", err)
	}
}

func TestRoundTripAnonymous(t *testing.T) {
	keys := newFakeKeys()
	receiver := newIdentity(t)
	receiver.register(keys)

	plaintext := bytes.Repeat([]byte("A"), 200)
	env, err := Encrypt(nil, receiver.keyHash, plaintext, keys)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	msg, err := Decrypt(receiver.keyHash, env, keys, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if msg.From != "anon" {
		t.Errorf("From = %q, want anon", msg.From)
	}
	if !bytes.Equal(msg.Body, plaintext) {
		t.Errorf("body mismatch, got %d bytes want %d", len(msg.Body), len(plaintext))
	}
}

func TestLargeCompressedRoundTrip(t *testing.T) {
	keys := newFakeKeys()
	sender := newIdentity(t)
	receiver := newIdentity(t)
	sender.register(keys)
	receiver.register(keys)

	plaintext := []byte(strings.Repeat("x", 2000))
	from := &SenderIdentity{AddressVersion: 0x38, KeyHash: sender.keyHash, PrivateKey: sender.priv.Serialize()}

	env, err := Encrypt(from, receiver.keyHash, plaintext, keys)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(env.Payload) >= len(plaintext) {
		t.Errorf("expected compressed ciphertext to be smaller than plaintext, got %d vs %d", len(env.Payload), len(plaintext))
	}

	msg, err := Decrypt(receiver.keyHash, env, keys, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(msg.Body) != len(plaintext) {
		t.Fatalf("decrypted length = %d, want %d", len(msg.Body), len(plaintext))
	}
}

func TestTestOnlyDecryptStopsAtMAC(t *testing.T) {
	keys := newFakeKeys()
	sender := newIdentity(t)
	receiver := newIdentity(t)
	sender.register(keys)
	receiver.register(keys)
	from := &SenderIdentity{AddressVersion: 0x38, KeyHash: sender.keyHash, PrivateKey: sender.priv.Serialize()}

	env, err := Encrypt(from, receiver.keyHash, []byte("probe"), keys)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(receiver.keyHash, env, keys, true); err != nil {
		t.Fatalf("test-only decrypt: %v", err)
	}
	if _, err := Decrypt(sender.keyHash, env, keys, true); err != ErrNotForUs {
		t.Fatalf("test-only decrypt as wrong owner: got %v, want ErrNotForUs", err)
	}
}
