package testutil

import (
	"strings"
	"time"

	"github.com/kws/mailindexer/internal/model"
)

// RawMessage builds an RFC 5322 message from header lines such as
// "From: Alice <alice@example.com>".
func RawMessage(headers ...string) []byte {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\nbody\r\n")
	return []byte(b.String())
}

// NewMessage returns a message for account with the given headers and
// internal date, labelled INBOX.
func NewMessage(account, id string, date time.Time, headers ...string) *model.Message {
	m := &model.Message{
		Account:      account,
		ID:           id,
		ThreadID:     "t-" + id,
		HistoryToken: "1",
		Raw:          RawMessage(headers...),
		InternalDate: date.UTC().Truncate(time.Millisecond),
	}
	m.ApplyLabels([]string{model.LabelInbox})
	m.SizeEstimate = int64(len(m.Raw))
	return m
}
