package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	gokeyring "github.com/zalando/go-keyring"
)

// keyringService is the service name used for OS keyring entries.
const keyringService = "todosync"

// Keyring stores key material outside the config file.
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// SystemKeyring returns the OS keyring (Keychain, Secret Service, or
// Windows Credential Manager).
func SystemKeyring() Keyring {
	return &systemKeyring{}
}

type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, password string) error {
	return gokeyring.Set(service, account, password)
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	secret, err := gokeyring.Get(service, account)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return "", fmt.Errorf("no key material found for %s/%s", service, account)
	}
	return secret, err
}

func (s *systemKeyring) Delete(service, account string) error {
	err := gokeyring.Delete(service, account)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil
	}
	return err
}

// MockKeyring is an in-memory keyring for testing.
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string
}

// NewMockKeyring creates a new mock keyring.
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accounts, ok := m.store[service]; ok {
		if password, ok := accounts[account]; ok {
			return password, nil
		}
	}
	return "", fmt.Errorf("no key material found for %s/%s", service, account)
}

func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accounts, ok := m.store[service]; ok {
		delete(accounts, account)
	}
	return nil
}

// KeySpec describes where one key's material comes from. Exactly one source
// should be set: inline base64 material, the OS keyring (looked up by key
// id), or an argon2id passphrase with salt.
type KeySpec struct {
	ID         string `yaml:"id"`
	Material   string `yaml:"material,omitempty"`
	Source     string `yaml:"source,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
	Salt       string `yaml:"salt,omitempty"`
}

// LoadKeys resolves key specs into usable keys, reading keyring-sourced
// material through kr.
func LoadKeys(specs []KeySpec, kr Keyring) ([]Key, error) {
	keys := make([]Key, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("vault key with empty id")
		}

		var material []byte
		switch {
		case spec.Material != "":
			decoded, err := base64.StdEncoding.DecodeString(spec.Material)
			if err != nil {
				return nil, fmt.Errorf("key %s: decode material: %w", spec.ID, err)
			}
			material = decoded
		case spec.Source == "keyring":
			encoded, err := kr.Get(keyringService, spec.ID)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", spec.ID, err)
			}
			decoded, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("key %s: decode keyring material: %w", spec.ID, err)
			}
			material = decoded
		case spec.Passphrase != "":
			salt, err := base64.StdEncoding.DecodeString(spec.Salt)
			if err != nil {
				return nil, fmt.Errorf("key %s: decode salt: %w", spec.ID, err)
			}
			if len(salt) == 0 {
				return nil, fmt.Errorf("key %s: passphrase keys need a salt", spec.ID)
			}
			material = DeriveKey([]byte(spec.Passphrase), salt)
		default:
			return nil, fmt.Errorf("key %s: no material, source, or passphrase", spec.ID)
		}

		keys = append(keys, Key{ID: spec.ID, Material: material})
	}
	return keys, nil
}

// GenerateKey creates fresh random key material, stores it in the keyring
// under the given id, and returns a spec referencing it.
func GenerateKey(id string, kr Keyring) (KeySpec, error) {
	if id == "" {
		return KeySpec{}, fmt.Errorf("key id is required")
	}

	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return KeySpec{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(material)
	if err := kr.Set(keyringService, id, encoded); err != nil {
		return KeySpec{}, fmt.Errorf("store key %s: %w", id, err)
	}

	return KeySpec{ID: id, Source: "keyring"}, nil
}
