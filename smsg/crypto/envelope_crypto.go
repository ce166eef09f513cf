// Package crypto implements the smsg hybrid ECIES-style envelope:
// ECDH over secp256k1, SHA-512 key derivation, AES-256-CBC payload
// encryption, HMAC-SHA256 MAC, optional LZ4 compression, and
// sender-signature binding (spec.md §4.2).
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pierrec/lz4/v4"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
)

var (
	// ErrPlaintextTooLarge is returned by Encrypt when the caller's
	// plaintext exceeds MaxMsgBytes (non-anonymous) or MaxAnonBytes
	// (anonymous).
	ErrPlaintextTooLarge = errors.New("smsg: crypto: plaintext too large")

	// ErrRecipientKeyUnavailable is returned when neither the learned-
	// pubkey map nor the local wallet has a usable compressed public
	// key for the recipient.
	ErrRecipientKeyUnavailable = errors.New("smsg: crypto: recipient key unavailable")

	// ErrUnknownRecipient is returned by Decrypt when the owner's
	// private key cannot be obtained from the wallet.
	ErrUnknownRecipient = errors.New("smsg: crypto: unknown recipient")

	// ErrNotForUs is the expected, silent-by-default outcome when a
	// message's MAC does not match: it simply was not addressed to
	// this owner.
	ErrNotForUs = errors.New("smsg: crypto: not for us")

	// ErrSignatureInvalid is returned when a non-anonymous message's
	// compact signature does not recover to its declared sender address.
	ErrSignatureInvalid = errors.New("smsg: crypto: signature invalid")

	// ErrBadVersion is returned when the envelope's major version isn't 2.
	ErrBadVersion = errors.New("smsg: crypto: unsupported version")

	// ErrDecompress is returned when a declared-compressed payload
	// fails to decompress to its declared length.
	ErrDecompress = errors.New("smsg: crypto: decompress")
)

// KeySource resolves a recipient's compressed public key or an
// owner's private key. The host wallet and the learned-pubkey
// registry both implement (parts of) it; smsg/crypto only needs read
// access.
type KeySource interface {
	// RecipientPubkey returns the compressed public key for toKeyHash,
	// preferring the learned-pubkey map and falling back to the local
	// wallet, per spec.md §4.2 step 4.
	RecipientPubkey(toKeyHash [addr.KeyHashSize]byte) (pub []byte, ok bool)
	// OwnerPrivateKey returns the recipient's private key for decryption.
	OwnerPrivateKey(ownerKeyHash [addr.KeyHashSize]byte) (priv []byte, ok bool)
}

// SenderIdentity carries the sender's signing key and address version
// tag for a non-anonymous send. A nil SenderIdentity means "send
// anonymously".
type SenderIdentity struct {
	AddressVersion byte
	KeyHash        [addr.KeyHashSize]byte
	PrivateKey     []byte // 32-byte secp256k1 scalar
}

// MessageData is the decrypted result of a successful Decrypt call.
type MessageData struct {
	// From is the sender's base58check address, or "anon" for the
	// anonymous form.
	From string
	// SenderPubkey is the recovered sender public key (nil for anonymous).
	SenderPubkey []byte
	Body         []byte
	Timestamp    int64
}

// nowFn is overridable in tests.
var nowFn = func() int64 { return time.Now().Unix() }

// Encrypt builds a fully solved-for-MAC-and-shape (but not yet
// PoW-solved) envelope for plaintext addressed to toKeyHash. from is
// nil for an anonymous send. keys resolves the recipient's public key.
func Encrypt(from *SenderIdentity, toKeyHash [addr.KeyHashSize]byte, plaintext []byte, keys KeySource) (envelope.Envelope, error) {
	maxLen := params.MaxMsgBytes
	if from == nil {
		maxLen = params.MaxAnonBytes
	}
	if len(plaintext) > maxLen {
		return envelope.Envelope{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrPlaintextTooLarge, len(plaintext), maxLen)
	}

	pubBytes, ok := keys.RecipientPubkey(toKeyHash)
	if !ok {
		return envelope.Envelope{}, ErrRecipientKeyUnavailable
	}
	recipientPub, err := parseCompressedPubkey(pubBytes)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrRecipientKeyUnavailable, err)
	}

	ephemPriv, err := ephemeralKeyPair()
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer ephemPriv.Zero()

	ivBytes, err := randomBytes(16)
	if err != nil {
		return envelope.Envelope{}, err
	}

	p := secret(ecdh(ephemPriv, recipientPub))
	defer p.Wipe()

	keyE, keyM := deriveKeys(p)
	defer keyE.Wipe()
	defer keyM.Wipe()

	plBuf, err := buildPlaintextPayload(from, plaintext)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer plBuf.Wipe()

	ciphertext, err := aesCBCEncrypt(keyE, ivBytes, plBuf)
	if err != nil {
		return envelope.Envelope{}, err
	}

	var h envelope.Header
	h.VersionMajor, h.VersionMinor = 2, 1
	h.Timestamp = nowFn()
	copy(h.IV[:], ivBytes)
	copy(h.CpkR[:], ephemPriv.PubKey().SerializeCompressed())
	h.MAC = computeMAC(keyM, h.Timestamp, ivBytes, ciphertext)

	return envelope.Envelope{Header: h, Payload: ciphertext}, nil
}

// Decrypt attempts to open env as owner. If testOnly is true, Decrypt
// stops after confirming the MAC (spec.md §4.2 step 6) and returns a
// zero MessageData with a nil error on success, without touching the
// ciphertext body — used by the scan pipeline to probe multiple local
// addresses cheaply.
func Decrypt(ownerKeyHash [addr.KeyHashSize]byte, env envelope.Envelope, keys KeySource, testOnly bool) (MessageData, error) {
	if env.Header.VersionMajor != 2 {
		return MessageData{}, ErrBadVersion
	}

	privBytes, ok := keys.OwnerPrivateKey(ownerKeyHash)
	if !ok {
		return MessageData{}, ErrUnknownRecipient
	}
	ownerPriv := secp256k1.PrivKeyFromBytes(privBytes)
	defer ownerPriv.Zero()

	ephemPub, err := parseCompressedPubkey(env.Header.CpkR[:])
	if err != nil {
		return MessageData{}, fmt.Errorf("%w: %v", ErrNotForUs, err)
	}

	p := secret(ecdh(ownerPriv, ephemPub))
	defer p.Wipe()

	keyE, keyM := deriveKeys(p)
	defer keyE.Wipe()
	defer keyM.Wipe()

	wantMAC := computeMAC(keyM, env.Header.Timestamp, env.Header.IV[:], env.Payload)
	if subtle.ConstantTimeCompare(wantMAC[:], env.Header.MAC[:]) != 1 {
		return MessageData{}, ErrNotForUs
	}

	if testOnly {
		return MessageData{}, nil
	}

	plBuf, err := aesCBCDecrypt(keyE, env.Header.IV[:], env.Payload)
	if err != nil {
		return MessageData{}, fmt.Errorf("%w: %v", ErrNotForUs, err)
	}
	defer plBuf.Wipe()

	return parsePlaintextPayload(plBuf, env.Header.Timestamp)
}

// deriveKeys splits SHA-512(P) into key_e (first 32 bytes) and key_m
// (last 32 bytes), per spec.md §4.2 step 5.
func deriveKeys(p []byte) (keyE, keyM secret) {
	sum := sha512.Sum512(p)
	keyE = make(secret, 32)
	keyM = make(secret, 32)
	copy(keyE, sum[:32])
	copy(keyM, sum[32:])
	zero(sum[:])
	return keyE, keyM
}

// computeMAC hashes timestamp||iv||ciphertext, deliberately excluding
// cpkR (spec.md §9: this is intentional and preserved for
// compatibility, not a bug to be "fixed").
func computeMAC(keyM []byte, timestamp int64, iv, ciphertext []byte) [32]byte {
	mac := hmac.New(sha256.New, keyM)
	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], uint64(timestamp))
	mac.Write(tsBytes[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func aesCBCEncrypt(key secret, iv []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	zero(padded)
	return out, nil
}

func aesCBCDecrypt(key secret, iv []byte, ciphertext []byte) (secret, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("smsg: crypto: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make(secret, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		out.Wipe()
		return nil, err
	}
	return unpadded, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+padLen)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(b []byte, blockSize int) (secret, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("smsg: crypto: invalid padded length")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(b) {
		return nil, fmt.Errorf("smsg: crypto: invalid PKCS#7 padding")
	}
	for _, c := range b[len(b)-padLen:] {
		if int(c) != padLen {
			return nil, fmt.Errorf("smsg: crypto: invalid PKCS#7 padding")
		}
	}
	return secret(b[:len(b)-padLen]), nil
}

// buildPlaintextPayload assembles the pre-encryption payload described
// in spec.md §3: the anonymous form (tag 250, reserved, length,
// body) or the non-anonymous form (address version, key hash, compact
// signature, length, body).
func buildPlaintextPayload(from *SenderIdentity, plaintext []byte) (secret, error) {
	body, compressed := maybeCompress(plaintext)
	if !compressed && len(plaintext) > params.CompressAboveBytes {
		return nil, fmt.Errorf("smsg: crypto: compress payload failed")
	}

	if from == nil {
		out := make(secret, 0, 9+len(body))
		out = append(out, params.AnonTagByte)
		out = append(out, 0, 0, 0, 0) // reserved
		out = append(out, lenBytes(len(plaintext))...)
		out = append(out, body...)
		return out, nil
	}

	digest := sha256.Sum256(plaintext)
	senderPriv := secp256k1.PrivKeyFromBytes(from.PrivateKey)
	defer senderPriv.Zero()
	sig := ecdsa.SignCompact(senderPriv, digest[:], true)

	out := make(secret, 0, params.PlHdrLen+len(body))
	out = append(out, from.AddressVersion)
	out = append(out, from.KeyHash[:]...)
	out = append(out, sig...)
	out = append(out, lenBytes(len(plaintext))...)
	out = append(out, body...)
	return out, nil
}

// lenBytes encodes the declared uncompressed length. The declared
// value's magnitude (> CompressAboveBytes) is what tells the reader
// whether the body that follows is LZ4-compressed, per spec.md §3.
func lenBytes(n int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	return b[:]
}

func maybeCompress(plaintext []byte) (body []byte, compressed bool) {
	if len(plaintext) <= params.CompressAboveBytes {
		return append([]byte(nil), plaintext...), false
	}
	compressedBuf, err := lz4Compress(plaintext)
	if err != nil {
		// Report the raw body as uncompressed. The reader decides
		// raw-vs-compressed from the declared length alone, so
		// buildPlaintextPayload rejects this result for a plaintext
		// above CompressAboveBytes.
		return append([]byte(nil), plaintext...), false
	}
	return compressedBuf, true
}

func parsePlaintextPayload(buf []byte, timestamp int64) (MessageData, error) {
	if len(buf) < 5 {
		return MessageData{}, fmt.Errorf("%w: payload too short", ErrNotForUs)
	}

	if buf[0] == params.AnonTagByte {
		if len(buf) < 9 {
			return MessageData{}, fmt.Errorf("%w: anonymous payload too short", ErrNotForUs)
		}
		declaredLen := binary.LittleEndian.Uint32(buf[5:9])
		body, err := extractBody(buf[9:], declaredLen)
		if err != nil {
			return MessageData{}, err
		}
		return MessageData{From: "anon", Body: body, Timestamp: timestamp}, nil
	}

	if len(buf) < params.PlHdrLen {
		return MessageData{}, fmt.Errorf("%w: non-anonymous payload too short", ErrNotForUs)
	}
	addressVersion := buf[0]
	var keyHash [addr.KeyHashSize]byte
	copy(keyHash[:], buf[1:1+addr.KeyHashSize])
	sig := buf[1+addr.KeyHashSize : 1+addr.KeyHashSize+65]
	declaredLen := binary.LittleEndian.Uint32(buf[1+addr.KeyHashSize+65 : params.PlHdrLen])
	rest := buf[params.PlHdrLen:]

	body, err := extractBody(rest, declaredLen)
	if err != nil {
		return MessageData{}, err
	}

	digest := sha256.Sum256(body)
	recoveredPub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return MessageData{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	recoveredKeyHash := addr.KeyHash(recoveredPub.SerializeCompressed())
	if recoveredKeyHash != keyHash {
		return MessageData{}, ErrSignatureInvalid
	}
	fromAddr := addr.EncodeAddress(addressVersion, keyHash)

	return MessageData{
		From:         fromAddr,
		SenderPubkey: recoveredPub.SerializeCompressed(),
		Body:         body,
		Timestamp:    timestamp,
	}, nil
}

// extractBody returns the plaintext body, decompressing it if
// declaredLen indicates a compressed body was written (spec.md §4.2
// step 8: declared length > CompressAboveBytes means LZ4-compressed).
func extractBody(rest []byte, declaredLen uint32) ([]byte, error) {
	if declaredLen <= params.CompressAboveBytes {
		if uint32(len(rest)) != declaredLen {
			return nil, fmt.Errorf("%w: raw body length %d disagrees with declared %d", ErrNotForUs, len(rest), declaredLen)
		}
		return append([]byte(nil), rest...), nil
	}
	out, err := lz4Decompress(rest, int(declaredLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if uint32(len(out)) != declaredLen {
		return nil, fmt.Errorf("%w: decompressed length %d disagrees with declared %d", ErrDecompress, len(out), declaredLen)
	}
	return out, nil
}

func lz4Compress(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(in []byte, expected int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(in))
	out := make([]byte, expected)
	n, err := io.ReadFull(r, out)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return out[:n], nil
}
