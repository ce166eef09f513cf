package smsg

import (
	"context"
	"testing"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/crypto"
)

type testWallet struct {
	locked bool
	pubs   map[string][]byte
	privs  map[[addr.KeyHashSize]byte][]byte
	addrs  []string
}

func newTestWallet() *testWallet {
	return &testWallet{pubs: map[string][]byte{}, privs: map[[addr.KeyHashSize]byte][]byte{}}
}

func (w *testWallet) IsLocked() bool { return w.locked }
func (w *testWallet) LocalPubkey(address string) ([]byte, bool) {
	p, ok := w.pubs[address]
	return p, ok
}
func (w *testWallet) LocalPrivateKey(kh [addr.KeyHashSize]byte) ([]byte, bool) {
	p, ok := w.privs[kh]
	return p, ok
}
func (w *testWallet) LocalAddresses() []string { return w.addrs }

func (w *testWallet) addIdentity(t *testing.T, version byte) (address string, priv *secp256k1.PrivateKey) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	kh := addr.KeyHash(pub)
	address = addr.EncodeAddress(version, kh)
	w.pubs[address] = pub
	w.privs[kh] = priv.Serialize()
	w.addrs = append(w.addrs, address)
	return address, priv
}

type testInbox struct{ entries []StoredEnvelope }

func (i *testInbox) PutInbox(key []byte, entry StoredEnvelope) error {
	i.entries = append(i.entries, entry)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *testWallet, *testInbox) {
	t.Helper()
	wallet := newTestWallet()
	inbox := &testInbox{}
	e, err := NewEngine(Config{
		Datadir:        t.TempDir(),
		AddressVersion: 0x38,
		Wallet:         wallet,
		Inbox:          inbox,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, wallet, inbox
}

func TestEngineSendMessageEndToEnd(t *testing.T) {
	e, wallet, inbox := newTestEngine(t)

	fromAddr, fromPriv := wallet.addIdentity(t, 0x38)
	toAddr, _ := wallet.addIdentity(t, 0x38)
	_, toKeyHash, err := addr.DecodeAddress(toAddr)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if err := e.registry.AddAddress(toAddr, true, false); err != nil {
		t.Fatalf("AddAddress: %v", err)
	}

	_, fromKeyHash, err := addr.DecodeAddress(fromAddr)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	from := &crypto.SenderIdentity{AddressVersion: 0x38, KeyHash: fromKeyHash, PrivateKey: fromPriv.Serialize()}

	if err := e.SendMessage(from, toAddr, []byte("hello via engine")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		_ = e.Stop()
	}()

	deadline := time.After(5 * time.Second)
	for {
		if len(e.store.Slots()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for PoW worker to insert the solved envelope")
		case <-time.After(10 * time.Millisecond):
		}
	}

	slot := e.store.Slots()[0]
	b := e.store.Snapshot(slot)
	if b == nil || len(b.Tokens) != 1 {
		t.Fatalf("bucket after send = %+v, want 1 token", b)
	}

	select {
	case entry := <-e.InboxChanged():
		if entry.To != toAddr {
			t.Errorf("delivered To = %q, want %q", entry.To, toAddr)
		}
		if string(entry.Body) != "hello via engine" {
			t.Errorf("delivered body = %q", entry.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for local delivery notification")
	}

	if len(inbox.entries) != 1 {
		t.Fatalf("inbox entries = %d, want 1", len(inbox.entries))
	}
	_ = toKeyHash
}

func TestEngineStartStopServicesCallback(t *testing.T) {
	var calls []bool
	wallet := newTestWallet()
	e, err := NewEngine(Config{
		Datadir:          t.TempDir(),
		AddressVersion:   0x38,
		Wallet:           wallet,
		ServicesCallback: func(enabled bool) { calls = append(calls, enabled) },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Fatalf("services callback calls = %v, want [true false]", calls)
	}
}
