package ratchet

import (
	"bytes"
	"testing"
)

func newTestSessionPair(t *testing.T) (alice, bob *State) {
	t.Helper()
	aliceKP, err := GenerateKeyAgreementKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyAgreementKeyPair: %v", err)
	}
	bobKP, err := GenerateKeyAgreementKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyAgreementKeyPair: %v", err)
	}

	aliceRoot, aliceSend, aliceRecv, err := PerformHandshake(aliceKP.Private, bobKP.Public)
	if err != nil {
		t.Fatalf("PerformHandshake (alice): %v", err)
	}
	bobRoot, bobSend, bobRecv, err := PerformHandshake(bobKP.Private, aliceKP.Public)
	if err != nil {
		t.Fatalf("PerformHandshake (bob): %v", err)
	}

	alice = Initialize(aliceKP, bobKP.Public, aliceRoot, aliceSend, aliceRecv, 2000)
	// The shared secret is symmetric, so Alice's "chain-send" output equals Bob's, and
	// likewise for "chain-recv" — Bob's send chain must use the "chain-recv" output to
	// mirror what Alice derives as her receive chain, and vice versa.
	bob = Initialize(bobKP, aliceKP.Public, bobRoot, bobRecv, bobSend, 2000)
	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	env, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := bob.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello bob")) {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	env, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF
	if _, err := bob.Decrypt(env); err != ErrDecryptAuthFailed {
		t.Fatalf("expected ErrDecryptAuthFailed, got %v", err)
	}
}

func TestDecryptRejectsTamperedNonce(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	env, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.Nonce[0] ^= 0xFF
	if _, err := bob.Decrypt(env); err != ErrDecryptAuthFailed {
		t.Fatalf("expected ErrDecryptAuthFailed, got %v", err)
	}
}

func TestOutOfOrderDeliveryUsesSkippedKeys(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	m1, err := alice.Encrypt([]byte("m1"))
	if err != nil {
		t.Fatalf("Encrypt m1: %v", err)
	}
	m2, err := alice.Encrypt([]byte("m2"))
	if err != nil {
		t.Fatalf("Encrypt m2: %v", err)
	}
	m3, err := alice.Encrypt([]byte("m3"))
	if err != nil {
		t.Fatalf("Encrypt m3: %v", err)
	}

	// Deliver out of order: m2, m1, m3.
	p2, err := bob.Decrypt(m2)
	if err != nil {
		t.Fatalf("Decrypt m2: %v", err)
	}
	if !bytes.Equal(p2, []byte("m2")) {
		t.Fatalf("unexpected plaintext for m2: %q", p2)
	}

	p1, err := bob.Decrypt(m1)
	if err != nil {
		t.Fatalf("Decrypt m1 (from skipped store): %v", err)
	}
	if !bytes.Equal(p1, []byte("m1")) {
		t.Fatalf("unexpected plaintext for m1: %q", p1)
	}

	p3, err := bob.Decrypt(m3)
	if err != nil {
		t.Fatalf("Decrypt m3: %v", err)
	}
	if !bytes.Equal(p3, []byte("m3")) {
		t.Fatalf("unexpected plaintext for m3: %q", p3)
	}

	if bob.RecvChain.counter != 3 {
		t.Fatalf("expected receive counter 3 at end, got %d", bob.RecvChain.counter)
	}
}

func TestReplayOfConsumedSkippedKeyFails(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	m1, _ := alice.Encrypt([]byte("m1"))
	m2, _ := alice.Encrypt([]byte("m2"))

	if _, err := bob.Decrypt(m2); err != nil {
		t.Fatalf("Decrypt m2: %v", err)
	}
	if _, err := bob.Decrypt(m1); err != nil {
		t.Fatalf("Decrypt m1: %v", err)
	}
	if _, err := bob.Decrypt(m1); err != ErrReplay {
		t.Fatalf("expected ErrReplay on second delivery of m1, got %v", err)
	}
}

func TestMaxSkippedZeroFailsOnOutOfOrder(t *testing.T) {
	alice, bob := newTestSessionPair(t)
	bob.MaxSkipped = 0
	m1, _ := alice.Encrypt([]byte("m1"))
	m2, _ := alice.Encrypt([]byte("m2"))
	_ = m1

	if _, err := bob.Decrypt(m2); err != ErrSkippedLimitExceeded {
		t.Fatalf("expected ErrSkippedLimitExceeded, got %v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	alice, _ := newTestSessionPair(t)
	if _, err := alice.Encrypt([]byte("advance state")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	data := SerializeState(alice)
	restored, err := DeserializeState(data)
	if err != nil {
		t.Fatalf("DeserializeState: %v", err)
	}
	if restored.SendChain.counter != alice.SendChain.counter {
		t.Fatalf("send counter mismatch: %d vs %d", restored.SendChain.counter, alice.SendChain.counter)
	}
	if restored.RootKey != alice.RootKey {
		t.Fatalf("root key mismatch after round-trip")
	}
}

func TestDeserializeRejectsTamperedMAC(t *testing.T) {
	alice, _ := newTestSessionPair(t)
	data := SerializeState(alice)
	data[len(data)-1] ^= 0xFF
	if _, err := DeserializeState(data); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}
