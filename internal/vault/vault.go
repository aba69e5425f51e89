// Package vault encrypts integration tokens at rest using a keyring of
// versioned AES-256-GCM keys. Ciphertexts carry the id of the key that
// sealed them, so old tokens stay readable after the active key changes and
// rotation never forces a re-authentication.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// nonceSize is the GCM nonce length in bytes.
const nonceSize = 12

var (
	// ErrUnknownKeyID reports a ciphertext sealed under a key that is no
	// longer in the keyring. Fatal: the integration needs reconnection.
	ErrUnknownKeyID = errors.New("unknown encryption key id")

	// ErrNoKeys reports an empty keyring.
	ErrNoKeys = errors.New("keyring has no keys")
)

// Encrypted is one sealed value: ciphertext body, GCM nonce (IV), and
// authentication tag, each base64-encoded, plus the id of the sealing key.
type Encrypted struct {
	Ciphertext string
	IV         string
	Tag        string
	KeyID      string
}

// Key is one keyring entry.
type Key struct {
	ID       string
	Material []byte
}

// Vault holds the keyring. Encrypt always seals under the active key;
// Decrypt looks the key up by the id recorded on the ciphertext.
type Vault struct {
	keys     map[string][]byte
	activeID string
}

// New builds a Vault from keys. activeID selects the default encryption key
// and must name one of the entries.
func New(keys []Key, activeID string) (*Vault, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	byID := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("key with empty id")
		}
		if len(k.Material) != KeySize {
			return nil, fmt.Errorf("key %s: need %d bytes of material, got %d", k.ID, KeySize, len(k.Material))
		}
		if _, dup := byID[k.ID]; dup {
			return nil, fmt.Errorf("duplicate key id: %s", k.ID)
		}
		byID[k.ID] = k.Material
	}

	if activeID == "" {
		// Single-key rings don't need an explicit active id.
		if len(keys) == 1 {
			activeID = keys[0].ID
		} else {
			return nil, fmt.Errorf("active key id is required with multiple keys")
		}
	}
	if _, ok := byID[activeID]; !ok {
		return nil, fmt.Errorf("active key %s not in keyring", activeID)
	}

	return &Vault{keys: byID, activeID: activeID}, nil
}

// ActiveKeyID returns the id of the current default encryption key.
func (v *Vault) ActiveKeyID() string {
	return v.activeID
}

// KeyIDs returns the ids of all keys in the keyring.
func (v *Vault) KeyIDs() []string {
	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	return ids
}

// Encrypt seals plaintext under the active key with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (*Encrypted, error) {
	key := v.keys[v.activeID]

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := aesgcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - aesgcm.Overhead()

	return &Encrypted{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		KeyID:      v.activeID,
	}, nil
}

// Decrypt opens a sealed value under the key recorded on it. A missing key
// id returns ErrUnknownKeyID; a tampered or mismatched ciphertext fails
// authentication.
func (v *Vault) Decrypt(enc *Encrypted) (string, error) {
	key, ok := v.keys[enc.KeyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKeyID, enc.KeyID)
	}

	body, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aesgcm.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives key material from a passphrase and salt using argon2id
// (time=1, memory=64MiB, threads=4).
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}
