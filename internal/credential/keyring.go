// Package credential stores and resolves the secrets used to reach remote
// mail services.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailindexer"

// Environment variables consulted when the keyring has no entry.
const (
	EnvGmailToken   = "GMAIL_ACCESS_TOKEN"
	EnvIMAPPassword = "IMAP_PASSWORD"
)

// ErrNotFound is returned when neither the keyring nor the environment
// holds the requested secret.
var ErrNotFound = errors.New("credential not found")

// GmailTokenKey is the keyring key of account's Gmail access token.
func GmailTokenKey(account string) string {
	return "gmail-token-" + account
}

// IMAPPasswordKey is the keyring key of account's IMAP password.
func IMAPPasswordKey(account string) string {
	return "imap-" + account
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	dir := "~/.config/mailindexer/credentials"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", "mailindexer", "credentials")
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailindexer-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Vault resolves secrets from a keyring with environment fallbacks.
type Vault struct {
	ring   keyring.Keyring
	getenv func(string) string
}

// Open opens the system keyring.
func Open() (*Vault, error) {
	ring, err := openKeyring()
	if err != nil {
		return nil, err
	}
	return NewVault(ring), nil
}

// NewVault wraps ring. A nil ring leaves only the environment.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring, getenv: os.Getenv}
}

// Get retrieves a credential value by key from the keyring.
func (v *Vault) Get(key string) (string, error) {
	if v.ring == nil {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key in the keyring.
func (v *Vault) Set(key, value string) error {
	if v.ring == nil {
		return errors.New("no keyring available")
	}
	err := v.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key from the keyring.
func (v *Vault) Delete(key string) error {
	if v.ring == nil {
		return errors.New("no keyring available")
	}
	if err := v.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// lookup reads key from the keyring, falling back to the env variable.
func (v *Vault) lookup(key, env string) (string, error) {
	value, err := v.Get(key)
	if err == nil && value != "" {
		return value, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if value := strings.TrimSpace(v.getenv(env)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("no %s in keyring or $%s: %w", key, env, ErrNotFound)
}

// IMAPPassword returns the IMAP password for account.
func (v *Vault) IMAPPassword(account string) (string, error) {
	return v.lookup(IMAPPasswordKey(account), EnvIMAPPassword)
}

// GmailTokens returns a token source for account's Gmail access token.
func (v *Vault) GmailTokens(account string) *TokenSource {
	return &TokenSource{vault: v, account: account}
}

// TokenSource reads a Gmail access token on every call so a token
// refreshed in the keyring by another process is picked up.
type TokenSource struct {
	vault   *Vault
	account string
}

// Token returns the current access token.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.vault.lookup(GmailTokenKey(t.account), EnvGmailToken)
}
