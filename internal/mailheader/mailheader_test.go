package mailheader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/model"
)

func TestParseRoles(t *testing.T) {
	raw := []byte("From: Alice <Alice@Example.com>, second@example.com\r\n" +
		"To: a@example.com, \"Bob B\" <b@example.com>\r\n" +
		"Cc: b@example.com\r\n" +
		"Reply-To: replies@example.com\r\n" +
		"Subject: =?UTF-8?Q?Caf=C3=A9?=\r\n" +
		"Message-ID: <abc@mail.example.com>\r\n" +
		"Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n" +
		"\r\n" +
		"hello\r\n")

	h, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Café", h.Subject)
	assert.Equal(t, "<abc@mail.example.com>", h.MessageID)
	assert.Equal(t, 2024, h.Date.Year())
	assert.Equal(t, []model.AddressEntry{
		{Email: "alice@example.com", DisplayName: "Alice", Role: model.RoleFrom},
		{Email: "a@example.com", Role: model.RoleTo},
		{Email: "b@example.com", DisplayName: "Bob B", Role: model.RoleTo},
		{Email: "b@example.com", Role: model.RoleCC},
		{Email: "replies@example.com", Role: model.RoleReplyTo},
	}, h.Entries)
}

func TestParseDeduplicatesWithinRole(t *testing.T) {
	h, err := Parse([]byte("To: x@example.com, X@EXAMPLE.com\r\n\r\n"))
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "x@example.com", h.Entries[0].Email)
}

func TestParseHeaderWithoutBody(t *testing.T) {
	h, err := Parse([]byte("From: only@example.com"))
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, model.RoleFrom, h.Entries[0].Role)
}

func TestParseEmpty(t *testing.T) {
	h, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
}

func TestParseSkipsMalformedAddresses(t *testing.T) {
	h, err := Parse([]byte("To: good@example.com, <<broken, plain@example.com\r\n\r\n"))
	require.NoError(t, err)

	var emails []string
	for _, e := range h.Entries {
		emails = append(emails, e.Email)
	}
	assert.Equal(t, []string{"good@example.com", "plain@example.com"}, emails)
}
