package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// CredentialBox seals gateway credential bundles at rest with NaCl secretbox.
type CredentialBox struct {
	key [32]byte
}

// NewCredentialBox expects a 32-byte key encoded as 64 hex characters.
func NewCredentialBox(hexKey string) (*CredentialBox, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New("credentials key must be hex encoded")
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credentials key must be 32 bytes, got %d", len(raw))
	}
	b := &CredentialBox{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts creds into base64(nonce || box).
func (b *CredentialBox) Seal(creds map[string]string) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. An empty input yields an empty bundle.
func (b *CredentialBox) Open(enc string) (map[string]string, error) {
	creds := map[string]string{}
	if enc == "" {
		return creds, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, errors.New("invalid credential encoding")
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("credential ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, errors.New("credential decryption failed")
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, errors.New("invalid credential payload")
	}
	return creds, nil
}

// KeyNames lists the credential names without their values.
func KeyNames(creds map[string]string) []string {
	names := make([]string, 0, len(creds))
	for k := range creds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
