// Package ratchet implements the end-to-end envelope layer: an X25519 Diffie-Hellman
// handshake feeding a double ratchet (root/send/receive KDF chains) that derives a fresh
// XChaCha20-Poly1305 key for every message.
package ratchet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	// ErrReplay indicates a message counter at or below the current receive counter with no
	// matching skipped-key entry.
	ErrReplay = errors.New("ratchet: replayed or unknown message counter")
	// ErrSkippedLimitExceeded indicates more skipped keys would be stored than maxSkipped allows.
	ErrSkippedLimitExceeded = errors.New("ratchet: skipped-key limit exceeded")
	// ErrDecryptAuthFailed indicates AEAD authentication failed while opening an envelope.
	ErrDecryptAuthFailed = errors.New("ratchet: envelope authentication failed")
	// ErrMACMismatch indicates state deserialization failed its MAC check.
	ErrMACMismatch = errors.New("ratchet: state MAC verification failed")
)

// KeyPair is an X25519 key-agreement key pair.
type KeyPair struct {
	Public  [keySize]byte
	Private [keySize]byte
}

// GenerateKeyAgreementKeyPair creates a fresh X25519 key pair.
func GenerateKeyAgreementKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// chain tracks a KDF chain key plus the number of messages derived from it.
type chain struct {
	key     [keySize]byte
	counter uint64
}

// skippedKey is a message key stored for a missed (publicKey, counter) pair.
type skippedKey struct {
	publicKey [keySize]byte
	counter   uint64
	key       [keySize]byte
}

// Header is attached to every sealed envelope and carried as AEAD additional data.
type Header struct {
	PublicKey       [keySize]byte
	Counter         uint64
	PreviousCounter uint64
}

// bytes serializes the header deterministically for AAD/MAC purposes.
func (h Header) bytes() []byte {
	buf := make([]byte, keySize+8+8)
	copy(buf, h.PublicKey[:])
	binary.BigEndian.PutUint64(buf[keySize:], h.Counter)
	binary.BigEndian.PutUint64(buf[keySize+8:], h.PreviousCounter)
	return buf
}

// Envelope is the sealed output of Encrypt and the input to Decrypt.
type Envelope struct {
	Nonce      [chacha20poly1305.NonceSizeX]byte
	Ciphertext []byte
	Header     Header
}

// State is the per-peer ratchet state described in §3/§4.1. Maximum skipped keys is
// enforced as a FIFO queue bounded by MaxSkipped.
type State struct {
	RootKey        [keySize]byte
	SendChain      chain
	RecvChain      chain
	LocalKeyPair   KeyPair
	RemotePublic   [keySize]byte
	MaxSkipped     int
	skipped        []skippedKey
}

// Initialize constructs a ratchet state for a session that already completed the initial
// DH handshake, per §4.1's initialize operation.
func Initialize(localKeyPair KeyPair, remotePublic [keySize]byte, rootKey, sendChainKey, recvChainKey [keySize]byte, maxSkipped int) *State {
	if maxSkipped < 0 {
		maxSkipped = 0
	}
	return &State{
		RootKey:      rootKey,
		SendChain:    chain{key: sendChainKey},
		RecvChain:    chain{key: recvChainKey},
		LocalKeyPair: localKeyPair,
		RemotePublic: remotePublic,
		MaxSkipped:   maxSkipped,
	}
}

// PerformHandshake derives the initial root key and two distinct chain keys (send, receive)
// from an X25519 shared secret, per §4.1 and the resolved Open Question in DESIGN.md: the
// two chains are always independent HKDF outputs, never a shared symmetric seed.
func PerformHandshake(localPrivate, remotePublic [keySize]byte) (rootKey, sendChainKey, recvChainKey [keySize]byte, err error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return rootKey, sendChainKey, recvChainKey, fmt.Errorf("ratchet: compute shared secret: %w", err)
	}
	extracted := hkdf.Extract(sha256.New, shared, nil)
	if err := expandInto(extracted, "root", rootKey[:]); err != nil {
		return rootKey, sendChainKey, recvChainKey, err
	}
	if err := expandInto(extracted, "chain-send", sendChainKey[:]); err != nil {
		return rootKey, sendChainKey, recvChainKey, err
	}
	if err := expandInto(extracted, "chain-recv", recvChainKey[:]); err != nil {
		return rootKey, sendChainKey, recvChainKey, err
	}
	return rootKey, sendChainKey, recvChainKey, nil
}

func expandInto(prk []byte, label string, dst []byte) error {
	reader := hkdf.Expand(sha256.New, prk, []byte(label))
	_, err := io.ReadFull(reader, dst)
	if err != nil {
		return fmt.Errorf("ratchet: hkdf expand %q: %w", label, err)
	}
	return nil
}

// deriveMessageKey advances a chain by one step, returning the message key for this step
// and leaving the chain key replaced by the next step's key (the symmetric-key ratchet).
func deriveMessageKey(c *chain) ([keySize]byte, error) {
	extracted := hkdf.Extract(sha256.New, c.key[:], nil)
	var messageKey, nextChainKey [keySize]byte
	if err := expandInto(extracted, "message", messageKey[:]); err != nil {
		return messageKey, err
	}
	if err := expandInto(extracted, "chain", nextChainKey[:]); err != nil {
		return messageKey, err
	}
	c.key = nextChainKey
	c.counter++
	return messageKey, nil
}

// Encrypt seals plaintext under a freshly derived message key, per §4.1's encrypt operation.
func (s *State) Encrypt(plaintext []byte) (Envelope, error) {
	if s == nil {
		return Envelope{}, errors.New("ratchet: nil state")
	}
	messageKey, err := deriveMessageKey(&s.SendChain)
	if err != nil {
		return Envelope{}, err
	}
	header := Header{
		PublicKey:       s.LocalKeyPair.Public,
		Counter:         s.SendChain.counter,
		PreviousCounter: s.RecvChain.counter,
	}
	aead, err := chacha20poly1305.NewX(messageKey[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("ratchet: construct AEAD: %w", err)
	}
	var envelope Envelope
	if _, err := io.ReadFull(rand.Reader, envelope.Nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("ratchet: generate nonce: %w", err)
	}
	envelope.Header = header
	envelope.Ciphertext = aead.Seal(nil, envelope.Nonce[:], plaintext, header.bytes())
	return envelope, nil
}

// Decrypt opens an envelope, performing a DH-ratchet step when the sender's public key has
// changed and advancing/consuming the skipped-key store as needed, per §4.1's decrypt operation.
// On any failure the state is left unmodified except for the documented skipped-advance case.
func (s *State) Decrypt(envelope Envelope) ([]byte, error) {
	if s == nil {
		return nil, errors.New("ratchet: nil state")
	}

	if envelope.Header.Counter <= s.RecvChain.counter {
		saved := append([]skippedKey(nil), s.skipped...)
		key, ok := s.takeSkipped(envelope.Header.PublicKey, envelope.Header.Counter)
		if !ok {
			return nil, ErrReplay
		}
		plaintext, err := s.open(envelope, key)
		if err != nil {
			s.skipped = saved
			return nil, err
		}
		return plaintext, nil
	}

	working := *s
	if envelope.Header.PublicKey != working.RemotePublic {
		if err := working.dhRatchetStep(envelope.Header.PublicKey); err != nil {
			return nil, err
		}
	}

	for working.RecvChain.counter < envelope.Header.Counter-1 {
		messageKey, err := deriveMessageKey(&working.RecvChain)
		if err != nil {
			return nil, err
		}
		if err := working.storeSkipped(working.RemotePublic, working.RecvChain.counter, messageKey); err != nil {
			return nil, err
		}
	}

	messageKey, err := deriveMessageKey(&working.RecvChain)
	if err != nil {
		return nil, err
	}
	plaintext, err := working.open(envelope, messageKey)
	if err != nil {
		return nil, err
	}
	*s = working
	return plaintext, nil
}

func (s *State) open(envelope Envelope, messageKey [keySize]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(messageKey[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: construct AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, envelope.Nonce[:], envelope.Ciphertext, envelope.Header.bytes())
	if err != nil {
		return nil, ErrDecryptAuthFailed
	}
	return plaintext, nil
}

// dhRatchetStep performs the DH-ratchet: derive a new root and two fresh chain keys, rotate
// the local key pair, and clear the skipped-key store, per §4.1.
func (s *State) dhRatchetStep(remotePublic [keySize]byte) error {
	shared, err := curve25519.X25519(s.LocalKeyPair.Private[:], remotePublic[:])
	if err != nil {
		return fmt.Errorf("ratchet: compute dh-ratchet shared secret: %w", err)
	}
	extracted := hkdf.Extract(sha256.New, append(append([]byte{}, s.RootKey[:]...), shared...), nil)
	var newRoot, newSendChain, newRecvChain [keySize]byte
	if err := expandInto(extracted, "dh", newRoot[:]); err != nil {
		return err
	}
	if err := expandInto(extracted, "chain-send", newSendChain[:]); err != nil {
		return err
	}
	if err := expandInto(extracted, "chain-recv", newRecvChain[:]); err != nil {
		return err
	}
	newLocal, err := GenerateKeyAgreementKeyPair()
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.SendChain = chain{key: newSendChain}
	s.RecvChain = chain{key: newRecvChain}
	s.RemotePublic = remotePublic
	s.LocalKeyPair = newLocal
	s.skipped = nil
	return nil
}

func (s *State) storeSkipped(publicKey [keySize]byte, counter uint64, key [keySize]byte) error {
	if s.MaxSkipped <= 0 {
		return ErrSkippedLimitExceeded
	}
	if len(s.skipped) >= s.MaxSkipped {
		// FIFO eviction of the oldest entry makes room for the newest.
		s.skipped = s.skipped[1:]
	}
	s.skipped = append(s.skipped, skippedKey{publicKey: publicKey, counter: counter, key: key})
	return nil
}

func (s *State) takeSkipped(publicKey [keySize]byte, counter uint64) ([keySize]byte, bool) {
	for i, entry := range s.skipped {
		if entry.publicKey == publicKey && entry.counter == counter {
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return entry.key, true
		}
	}
	return [keySize]byte{}, false
}

// SerializeState produces a deterministic length-prefixed encoding of the ratchet state
// followed by an HMAC-SHA256 tag computed with rootKey as the MAC key, per §4.1.
func SerializeState(s *State) []byte {
	buf := make([]byte, 0, 4*keySize+16)
	buf = append(buf, s.RootKey[:]...)
	buf = append(buf, s.SendChain.key[:]...)
	buf = appendUint64(buf, s.SendChain.counter)
	buf = append(buf, s.RecvChain.key[:]...)
	buf = appendUint64(buf, s.RecvChain.counter)
	buf = append(buf, s.LocalKeyPair.Public[:]...)
	buf = append(buf, s.LocalKeyPair.Private[:]...)
	buf = append(buf, s.RemotePublic[:]...)
	buf = appendUint64(buf, uint64(s.MaxSkipped))
	buf = appendUint64(buf, uint64(len(s.skipped)))
	for _, entry := range s.skipped {
		buf = append(buf, entry.publicKey[:]...)
		buf = appendUint64(buf, entry.counter)
		buf = append(buf, entry.key[:]...)
	}
	mac := hmac.New(sha256.New, s.RootKey[:])
	mac.Write(buf)
	tag := mac.Sum(nil)
	return append(buf, tag...)
}

// DeserializeState parses SerializeState's output, verifying the trailing MAC in constant
// time before trusting any field.
func DeserializeState(data []byte) (*State, error) {
	if len(data) < sha256.Size {
		return nil, ErrMACMismatch
	}
	payload, tag := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]

	r := &reader{buf: payload}
	var s State
	r.readInto(s.RootKey[:])
	mac := hmac.New(sha256.New, s.RootKey[:])
	mac.Write(payload)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, ErrMACMismatch
	}

	r.readInto(s.SendChain.key[:])
	s.SendChain.counter = r.readUint64()
	r.readInto(s.RecvChain.key[:])
	s.RecvChain.counter = r.readUint64()
	r.readInto(s.LocalKeyPair.Public[:])
	r.readInto(s.LocalKeyPair.Private[:])
	r.readInto(s.RemotePublic[:])
	s.MaxSkipped = int(r.readUint64())
	n := r.readUint64()
	s.skipped = make([]skippedKey, 0, n)
	for i := uint64(0); i < n; i++ {
		var entry skippedKey
		r.readInto(entry.publicKey[:])
		entry.counter = r.readUint64()
		r.readInto(entry.key[:])
		s.skipped = append(s.skipped, entry)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &s, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) readInto(dst []byte) {
	if r.err != nil {
		return
	}
	if r.off+len(dst) > len(r.buf) {
		r.err = errors.New("ratchet: truncated serialized state")
		return
	}
	copy(dst, r.buf[r.off:r.off+len(dst)])
	r.off += len(dst)
}

func (r *reader) readUint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = errors.New("ratchet: truncated serialized state")
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v
}
