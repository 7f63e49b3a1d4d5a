// Package security provides the node's signing identity. Every node may own
// an Ed25519 keypair and sign the envelopes it sends; the signature covers
// the encoded envelope with the signature field cleared.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshwork/meshnode/internal/domain"
)

// ErrBadSignature is returned when an envelope signature does not verify.
var ErrBadSignature = errors.New("bad envelope signature")

// Keypair holds the node's Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// LoadOrCreateKeypair reads home/keys/node.key, a hex-encoded seed, or
// writes a fresh one on first run.
func LoadOrCreateKeypair(home string) (*Keypair, error) {
	keyDir := filepath.Join(home, "keys")
	keyPath := filepath.Join(keyDir, "node.key")

	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyPath, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("decode %s: seed is %d bytes, want %d", keyPath, len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", keyPath, err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(kp.Private.Seed())+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write %s: %w", keyPath, err)
	}
	return kp, nil
}

// PublicKeyHex returns the public key as a hex string.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs a message with the node's private key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	return len(publicKey) == ed25519.PublicKeySize && ed25519.Verify(publicKey, message, signature)
}

// ─── Envelope signing ───────────────────────────────────────────────────────

// EnvelopeSigner implements domain.Signer.
type EnvelopeSigner struct {
	kp    *Keypair
	codec domain.Codec
}

var _ domain.Signer = (*EnvelopeSigner)(nil)

// NewEnvelopeSigner signs with kp over envelopes encoded by codec.
func NewEnvelopeSigner(kp *Keypair, codec domain.Codec) *EnvelopeSigner {
	return &EnvelopeSigner{kp: kp, codec: codec}
}

// Sign replaces env.Signature with a signature over the rest of env.
func (s *EnvelopeSigner) Sign(env *domain.Envelope) error {
	msg, err := signedBytes(s.codec, env)
	if err != nil {
		return err
	}
	env.Signature = s.kp.Sign(msg)
	return nil
}

// VerifyEnvelope checks env.Signature against pub.
func VerifyEnvelope(codec domain.Codec, env *domain.Envelope, pub ed25519.PublicKey) error {
	msg, err := signedBytes(codec, env)
	if err != nil {
		return err
	}
	if !Verify(msg, env.Signature, pub) {
		return fmt.Errorf("%w: envelope %s", ErrBadSignature, env.UUID)
	}
	return nil
}

func signedBytes(codec domain.Codec, env *domain.Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Signature = nil
	msg, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode for signature: %w", err)
	}
	return msg, nil
}
