package vault

import (
	"context"
	"errors"
	"fmt"

	"todosync/internal/store"
	"todosync/internal/utils"
)

// Tokens is a decrypted credential pair. Refresh is empty for providers
// that use long-lived API tokens.
type Tokens struct {
	Access  string
	Refresh string
}

// Manager stores, loads, and rotates encrypted integration credentials.
type Manager struct {
	vault *Vault
	store *store.Store
}

// NewManager creates a credential manager backed by v and st.
func NewManager(v *Vault, st *store.Store) *Manager {
	return &Manager{vault: v, store: st}
}

// Connect encrypts the token pair under the active key and saves it,
// replacing any previous credential for the user and provider.
func (m *Manager) Connect(ctx context.Context, userID, providerName, access, refresh string) error {
	if access == "" {
		return fmt.Errorf("access token is required")
	}

	cred := &store.Credential{
		UserID:   userID,
		Provider: providerName,
	}
	if existing, err := m.store.GetCredential(ctx, userID, providerName); err != nil {
		return err
	} else if existing != nil {
		cred.ID = existing.ID
	}

	if err := m.seal(cred, access, refresh); err != nil {
		return err
	}
	return m.store.UpsertCredential(ctx, cred)
}

// Tokens loads and decrypts the credential pair for a user and provider.
// No stored credential or an unknown key id is fatal and asks the user to
// reconnect; neither is ever treated as "nothing to sync".
func (m *Manager) Tokens(ctx context.Context, userID, providerName string) (*Tokens, error) {
	cred, err := m.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, utils.ErrNotConnected(providerName, userID)
	}
	return m.open(cred)
}

// Connected reports whether a credential exists for the user and provider.
func (m *Manager) Connected(ctx context.Context, userID, providerName string) (bool, error) {
	cred, err := m.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// Rotate re-encrypts the stored credential under the active key. Tokens
// already sealed under the active key are left alone.
func (m *Manager) Rotate(ctx context.Context, userID, providerName string) error {
	cred, err := m.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		return err
	}
	if cred == nil {
		return utils.ErrNotConnected(providerName, userID)
	}
	if cred.KeyID == m.vault.ActiveKeyID() {
		utils.GetLogger().Debug("credential for %s/%s already on key %s", userID, providerName, cred.KeyID)
		return nil
	}

	tokens, err := m.open(cred)
	if err != nil {
		return err
	}
	if err := m.seal(cred, tokens.Access, tokens.Refresh); err != nil {
		return err
	}
	return m.store.UpsertCredential(ctx, cred)
}

// Disconnect removes the credential and all sync state for the user and
// provider: mappings, cursors, and conflicts go with it.
func (m *Manager) Disconnect(ctx context.Context, userID, providerName string) error {
	return m.store.DeleteIntegration(ctx, userID, providerName)
}

func (m *Manager) seal(cred *store.Credential, access, refresh string) error {
	enc, err := m.vault.Encrypt(access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	cred.AccessCiphertext = enc.Ciphertext
	cred.AccessIV = enc.IV
	cred.AccessTag = enc.Tag
	cred.KeyID = enc.KeyID

	cred.RefreshCiphertext = ""
	cred.RefreshIV = ""
	cred.RefreshTag = ""
	if refresh != "" {
		enc, err := m.vault.Encrypt(refresh)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		cred.RefreshCiphertext = enc.Ciphertext
		cred.RefreshIV = enc.IV
		cred.RefreshTag = enc.Tag
	}
	return nil
}

func (m *Manager) open(cred *store.Credential) (*Tokens, error) {
	access, err := m.vault.Decrypt(&Encrypted{
		Ciphertext: cred.AccessCiphertext,
		IV:         cred.AccessIV,
		Tag:        cred.AccessTag,
		KeyID:      cred.KeyID,
	})
	if err != nil {
		return nil, m.reconnectErr(cred, err)
	}

	tokens := &Tokens{Access: access}
	if cred.RefreshCiphertext != "" {
		refresh, err := m.vault.Decrypt(&Encrypted{
			Ciphertext: cred.RefreshCiphertext,
			IV:         cred.RefreshIV,
			Tag:        cred.RefreshTag,
			KeyID:      cred.KeyID,
		})
		if err != nil {
			return nil, m.reconnectErr(cred, err)
		}
		tokens.Refresh = refresh
	}
	return tokens, nil
}

func (m *Manager) reconnectErr(cred *store.Credential, err error) error {
	if errors.Is(err, ErrUnknownKeyID) {
		return utils.WrapWithSuggestion(
			fmt.Errorf("%s credential for user %s: %w", cred.Provider, cred.UserID, err),
			fmt.Sprintf("Run 'todosync connect --user %s' to re-authorize under a current key", cred.UserID),
		)
	}
	return utils.WrapWithSuggestion(
		fmt.Errorf("%s credential for user %s: %w", cred.Provider, cred.UserID, err),
		fmt.Sprintf("Run 'todosync connect --user %s' to re-authorize", cred.UserID),
	)
}
