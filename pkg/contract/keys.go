package contract

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key prefix marking ed25519 material in Hot Pocket configs
const keyPrefix = "ed"

// Keypair is a freshly generated instance signing identity, hex encoded
// with the "ed" prefix.
type Keypair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeypair creates a new ed25519 keypair for an instance
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance keypair: %w", err)
	}
	return &Keypair{
		PublicKey:  keyPrefix + hex.EncodeToString(pub),
		PrivateKey: keyPrefix + hex.EncodeToString(priv),
	}, nil
}

// ValidPubkey reports whether s is an ed-prefixed 66-char hex public key
func ValidPubkey(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, keyPrefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(keyPrefix):])
	return err == nil
}
