// Command smsg-tool is a local testing CLI for the smsg engine: it
// generates addresses, registers them for receiving, sends messages
// between them, and dumps the (ciphertext-at-rest) local inbox,
// grounded on cmd/rubin-node/main.go's flag-based dispatch style.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lmittmann/tint"

	"rubin.dev/node/smsg"
	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/crypto"
	"rubin.dev/node/smsg/envelope"
)

func newLogger(level string, jsonOutput bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	datadir := fs.String("datadir", ".", "smsg data directory")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	jsonLog := fs.Bool("log-json", false, "emit JSON logs instead of tint-colored text")
	addrVersion := fs.Uint("addrversion", 0x3f, "base58check version byte for local test addresses")

	var (
		fromAddr = fs.String("from", "", "sender address (send)")
		toAddr   = fs.String("to", "", "recipient address (send)")
		body     = fs.String("body", "", "message body (send)")
		anon     = fs.Bool("anon", false, "send/receive anonymously")
		recv     = fs.Bool("recv", true, "enable receiving for this address (addaddress)")
	)
	_ = fs.Parse(os.Args[2:])

	log := newLogger(*logLevel, *jsonLog)
	slog.SetDefault(log)

	if err := os.MkdirAll(*datadir, 0o750); err != nil {
		fatal(log, "create datadir", err)
	}

	switch sub {
	case "genkey":
		cmdGenkey(log, *datadir, byte(*addrVersion))
	case "addaddress":
		cmdAddAddress(log, *datadir, byte(*addrVersion), *toAddr, *recv, *anon)
	case "send":
		cmdSend(log, *datadir, byte(*addrVersion), *fromAddr, *toAddr, *body, *anon)
	case "inbox":
		cmdInbox(log, *datadir)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: smsg-tool <genkey|addaddress|send|inbox> [flags]")
}

func fatal(log *slog.Logger, action string, err error) {
	log.Error("smsg-tool: "+action+" failed", "err", err)
	os.Exit(1)
}

func cmdGenkey(log *slog.Logger, datadir string, version byte) {
	wallet, err := openFileWallet(datadir)
	if err != nil {
		fatal(log, "open wallet", err)
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		fatal(log, "generate key", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	keyHash := addr.KeyHash(pub)
	address := addr.EncodeAddress(version, keyHash)
	if err := wallet.addIdentity(address, priv.Serialize()); err != nil {
		fatal(log, "save wallet", err)
	}
	fmt.Println(address)
}

func cmdAddAddress(log *slog.Logger, datadir string, version byte, address string, recv, anon bool) {
	if address == "" {
		fatal(log, "addaddress", fmt.Errorf("missing -to=<address>"))
	}
	wallet, err := openFileWallet(datadir)
	if err != nil {
		fatal(log, "open wallet", err)
	}
	pubkeys, err := openFilePubkeyStore(datadir)
	if err != nil {
		fatal(log, "open pubkey store", err)
	}
	e, err := smsg.NewEngine(smsg.Config{
		Datadir:        datadir,
		AddressVersion: version,
		Wallet:         wallet,
		Pubkeys:        pubkeys,
		Inbox:          openFileInbox(datadir),
		Log:            log,
	})
	if err != nil {
		fatal(log, "init engine", err)
	}
	defer e.Stop()
	if err := e.Registry().AddAddress(address, recv, anon); err != nil {
		fatal(log, "add address", err)
	}
	log.Info("address registered", "address", address, "recv", recv, "anon", anon)
}

func cmdSend(log *slog.Logger, datadir string, version byte, fromAddr, toAddr, body string, anon bool) {
	if toAddr == "" || body == "" {
		fatal(log, "send", fmt.Errorf("require -to and -body"))
	}
	wallet, err := openFileWallet(datadir)
	if err != nil {
		fatal(log, "open wallet", err)
	}
	pubkeys, err := openFilePubkeyStore(datadir)
	if err != nil {
		fatal(log, "open pubkey store", err)
	}
	e, err := smsg.NewEngine(smsg.Config{
		Datadir:        datadir,
		AddressVersion: version,
		Wallet:         wallet,
		Pubkeys:        pubkeys,
		Inbox:          openFileInbox(datadir),
		Log:            log,
	})
	if err != nil {
		fatal(log, "init engine", err)
	}

	var from *crypto.SenderIdentity
	if !anon {
		if fromAddr == "" {
			fatal(log, "send", fmt.Errorf("require -from for a non-anonymous send (or pass -anon)"))
		}
		priv, ok := wallet.privateKeyFor(fromAddr)
		if !ok {
			fatal(log, "send", fmt.Errorf("no local key for %s (run genkey first)", fromAddr))
		}
		version, keyHash, err := addr.DecodeAddress(fromAddr)
		if err != nil {
			fatal(log, "decode from address", err)
		}
		from = &crypto.SenderIdentity{AddressVersion: version, KeyHash: keyHash, PrivateKey: priv}
	}

	if err := e.SendMessage(from, toAddr, []byte(body)); err != nil {
		fatal(log, "send message", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	before := slotBytes(datadir)
	if err := e.Start(ctx); err != nil {
		fatal(log, "start engine", err)
	}

	// Poll the bucket store until the PoW worker has solved and
	// inserted the envelope, or the context times out.
	for {
		select {
		case <-ctx.Done():
			_ = e.Stop()
			fatal(log, "send message", fmt.Errorf("timed out waiting for proof-of-work to solve"))
		default:
		}
		if slotBytes(datadir) > before {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = e.Stop()
	log.Info("message queued and solved", "to", toAddr, "anon", anon)
}

// slotBytes sums the sizes of the bucket store's <slot>_01.dat files;
// the total grows once the PoW worker has inserted a solved envelope.
func slotBytes(datadir string) int64 {
	matches, _ := filepath.Glob(filepath.Join(datadir, "smsgstore", "*_01.dat"))
	var total int64
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil {
			total += fi.Size()
		}
	}
	return total
}

func cmdInbox(log *slog.Logger, datadir string) {
	wallet, err := openFileWallet(datadir)
	if err != nil {
		fatal(log, "open wallet", err)
	}
	inbox := openFileInbox(datadir)
	entries, err := inbox.list()
	if err != nil {
		fatal(log, "read inbox", err)
	}

	keys := localKeySource{wallet: wallet}
	for _, e := range entries {
		raw, err := hex.DecodeString(e.RawHex)
		if err != nil {
			log.Warn("skipping corrupt inbox entry", "err", err)
			continue
		}
		env, err := envelope.Decode(raw)
		if err != nil {
			log.Warn("skipping undecodable inbox entry", "err", err)
			continue
		}
		_, keyHash, err := addr.DecodeAddress(e.To)
		if err != nil {
			log.Warn("skipping entry with unparseable address", "to", e.To, "err", err)
			continue
		}
		msg, err := crypto.Decrypt(keyHash, env, keys, false)
		if err != nil {
			log.Warn("failed to decrypt stored envelope", "to", e.To, "err", err)
			continue
		}
		fmt.Printf("[%s] to=%s from=%s: %s\n", time.Unix(e.Timestamp, 0).Format(time.RFC3339), e.To, msg.From, msg.Body)
	}
}

// localKeySource adapts fileWallet to crypto.KeySource for the inbox
// command's re-decrypt-on-read path. RecipientPubkey is never called
// by Decrypt, only OwnerPrivateKey.
type localKeySource struct{ wallet *fileWallet }

func (k localKeySource) RecipientPubkey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	return nil, false
}

func (k localKeySource) OwnerPrivateKey(keyHash [addr.KeyHashSize]byte) ([]byte, bool) {
	return k.wallet.LocalPrivateKey(keyHash)
}
