package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// Well-known label identifiers that drive the derived message flags.
const (
	LabelUnread    = "UNREAD"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
	LabelInbox     = "INBOX"
)

// MessageKey identifies a message within the local replica.
type MessageKey struct {
	Account   string `db:"account"`
	MessageID string `db:"message_id"`
}

// Message is the locally stored copy of a remote message.
type Message struct {
	// Account is the mailbox the message belongs to.
	Account string

	// ID is the remote service's opaque message identifier.
	ID string

	ThreadID     string
	HistoryToken string
	LabelIDs     []string

	// Raw holds the full RFC 5322 content as downloaded.
	Raw []byte

	InternalDate time.Time
	SizeEstimate int64
	Snippet      string

	// Subject and RFC822MessageID are copied out of the raw headers.
	Subject         string
	RFC822MessageID string

	// Read, Starred and Important are derived from LabelIDs.
	Read      bool
	Starred   bool
	Important bool

	// ContentDigest is the sha256 of Raw. IndexedDigest is the digest
	// the address index was last built from, empty when never indexed.
	ContentDigest string
	IndexedDigest string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the message's store key.
func (m *Message) Key() MessageKey {
	return MessageKey{Account: m.Account, MessageID: m.ID}
}

// Flags holds the state derived from a message's labels.
type Flags struct {
	Read      bool
	Starred   bool
	Important bool
}

// FlagsFromLabels derives message flags from a label set. A message is read
// when it does not carry UNREAD.
func FlagsFromLabels(labels []string) Flags {
	return Flags{
		Read:      !slices.Contains(labels, LabelUnread),
		Starred:   slices.Contains(labels, LabelStarred),
		Important: slices.Contains(labels, LabelImportant),
	}
}

// ApplyLabels replaces the message's labels and recomputes its flags.
func (m *Message) ApplyLabels(labels []string) {
	m.LabelIDs = slices.Clone(labels)
	f := FlagsFromLabels(labels)
	m.Read = f.Read
	m.Starred = f.Starred
	m.Important = f.Important
}

// HasAnyLabel reports whether the message carries at least one of ids.
// An empty filter matches every message.
func HasAnyLabel(labels, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if slices.Contains(labels, id) {
			return true
		}
	}
	return false
}

// Digest returns the hex sha256 of raw message content.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
