package credential

import (
	"context"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVault(env map[string]string, items ...keyring.Item) *Vault {
	v := NewVault(keyring.NewArrayKeyring(items))
	v.getenv = func(k string) string { return env[k] }
	return v
}

func TestVaultSetGetDelete(t *testing.T) {
	v := newVault(nil)

	require.NoError(t, v.Set("k", "secret"))
	got, err := v.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	require.NoError(t, v.Delete("k"))
	_, err = v.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIMAPPasswordPrefersKeyring(t *testing.T) {
	v := newVault(
		map[string]string{EnvIMAPPassword: "from-env"},
		keyring.Item{Key: "imap-me@example.com", Data: []byte("from-ring")},
	)

	got, err := v.IMAPPassword("me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "from-ring", got)

	got, err = v.IMAPPassword("other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}

func TestGmailTokensFallBackToEnvironment(t *testing.T) {
	ctx := context.Background()
	v := newVault(map[string]string{EnvGmailToken: " tok "})

	got, err := v.GmailTokens("me@example.com").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	require.NoError(t, v.Set(GmailTokenKey("me@example.com"), "refreshed"))
	got, err = v.GmailTokens("me@example.com").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got)
}

func TestMissingCredential(t *testing.T) {
	v := newVault(nil)

	_, err := v.IMAPPassword("me@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = v.GmailTokens("me@example.com").Token(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	envOnly := NewVault(nil)
	envOnly.getenv = func(string) string { return "" }
	_, err = envOnly.IMAPPassword("me@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenHonoursCancellation(t *testing.T) {
	v := newVault(map[string]string{EnvGmailToken: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.GmailTokens("me@example.com").Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
