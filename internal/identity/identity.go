package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Identity is a per-connection device keypair. The gateway verifies that ID is
// the hash of PublicKey, so a device proves its claimed id without any prior
// registration. Identities are never persisted.
type Identity struct {
	ID        string
	PublicKey string

	priv ed25519.PrivateKey
}

func Generate() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate device keypair: %w", err)
	}
	sum := sha256.Sum256(pub)
	return Identity{
		ID:        hex.EncodeToString(sum[:]),
		PublicKey: base64.RawURLEncoding.EncodeToString(pub),
		priv:      priv,
	}, nil
}

// Sign signs msg and returns the signature base64url-encoded without padding,
// the encoding the gateway expects in the connect device block.
func (id Identity) Sign(msg []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(id.priv, msg))
}

func (id Identity) PublicKeyBytes() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id.PublicKey)
}

// Verify checks a base64url signature against a base64url public key. The
// gateway performs this check server-side; it lives here for tests and tools.
func Verify(publicKey, signature string, msg []byte) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
