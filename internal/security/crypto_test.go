package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/codec"
)

// ─── Keypair ────────────────────────────────────────────────────────────────

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	if len(kp.Public) != 32 {
		t.Errorf("public key len = %d, want 32", len(kp.Public))
	}
	if len(kp.PublicKeyHex()) != 64 {
		t.Errorf("hex len = %d, want 64", len(kp.PublicKeyHex()))
	}

	other, _ := GenerateKeypair()
	if kp.PublicKeyHex() == other.PublicKeyHex() {
		t.Error("two generated keypairs should differ")
	}
}

func TestVerify(t *testing.T) {
	kp, _ := GenerateKeypair()
	other, _ := GenerateKeypair()
	sig := kp.Sign([]byte("original"))

	tests := []struct {
		name string
		msg  string
		key  []byte
		want bool
	}{
		{"valid", "original", kp.Public, true},
		{"tampered", "tampered", kp.Public, false},
		{"wrong key", "original", other.Public, false},
		{"short key", "original", kp.Public[:8], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify([]byte(tt.msg), sig, tt.key); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestLoadOrCreateKeypair(t *testing.T) {
	home := t.TempDir()
	kp1, err := LoadOrCreateKeypair(home)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	path := filepath.Join(home, "keys", "node.key")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("node.key should exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("node.key mode = %v, want 0600", info.Mode().Perm())
	}

	kp2, err := LoadOrCreateKeypair(home)
	if err != nil {
		t.Fatalf("second LoadOrCreateKeypair() error: %v", err)
	}
	if kp1.PublicKeyHex() != kp2.PublicKeyHex() {
		t.Error("loaded keypair should match created keypair")
	}
	if !Verify([]byte("x"), kp1.Sign([]byte("x")), kp2.Public) {
		t.Error("signature should verify after reload")
	}
}

func TestLoadOrCreateKeypair_Corrupt(t *testing.T) {
	home := t.TempDir()
	os.MkdirAll(filepath.Join(home, "keys"), 0700)
	os.WriteFile(filepath.Join(home, "keys", "node.key"), []byte("abcd"), 0600)

	if _, err := LoadOrCreateKeypair(home); err == nil {
		t.Error("short seed should fail to load")
	}
}

// ─── Envelopes ──────────────────────────────────────────────────────────────

func TestEnvelopeSigner(t *testing.T) {
	kp, _ := GenerateKeypair()
	c := codec.New()
	signer := NewEnvelopeSigner(kp, c)

	sender := domain.NewContact(domain.Address{Host: "10.0.0.1", Port: 5000}, domain.WithGUID(1))
	receiver := domain.NewContact(domain.Address{Host: "10.0.0.2", Port: 5000}, domain.WithGUID(2))
	env := domain.NewEnvelope(domain.MessageCommand, sender, receiver, &domain.Command{Command: "echo hi"})

	if err := signer.Sign(env); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(env.Signature) != 64 {
		t.Fatalf("signature len = %d, want 64", len(env.Signature))
	}
	if err := VerifyEnvelope(c, env, kp.Public); err != nil {
		t.Errorf("VerifyEnvelope() error: %v", err)
	}

	// Signing twice yields the same signature: the old one is excluded.
	first := env.Signature
	signer.Sign(env)
	if string(first) != string(env.Signature) {
		t.Error("re-signing should be deterministic")
	}

	// The signature survives the wire.
	data, err := c.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	decoded, err := c.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if err := VerifyEnvelope(c, decoded, kp.Public); err != nil {
		t.Errorf("VerifyEnvelope() after round trip error: %v", err)
	}

	decoded.Payload.(*domain.Command).Command = "echo bye"
	if err := VerifyEnvelope(c, decoded, kp.Public); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyEnvelope() on tampered envelope = %v, want ErrBadSignature", err)
	}
}
