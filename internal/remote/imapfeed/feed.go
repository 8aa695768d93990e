// Package imapfeed implements remote.Feed over an IMAP mailbox using the
// CONDSTORE extension (RFC 7162) as the change feed.
//
// Message ids are UIDs in decimal. Expunged messages are not reported by
// CONDSTORE without QRESYNC, so history never carries deletions; a full
// sync is needed to notice them.
package imapfeed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
)

// Config holds the IMAP server settings.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool

	// Mailbox is the folder to sync; defaults to INBOX.
	Mailbox string
}

// Feed is a remote.Feed backed by a single IMAP mailbox. Each call opens
// its own connection.
type Feed struct {
	cfg Config
}

// New creates an IMAP feed.
func New(cfg Config) *Feed {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Feed{cfg: cfg}
}

// session is a selected mailbox on an authenticated connection.
type session struct {
	client *imapclient.Client
	cursor Cursor
}

func (s *session) close() {
	_ = s.client.Logout().Wait()
}

// connect establishes a connection, authenticates and selects the
// mailbox with CONDSTORE enabled.
func (f *Feed) connect(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := f.cfg.Host + ":" + strconv.Itoa(f.cfg.Port)
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         f.cfg.Host,
			InsecureSkipVerify: f.cfg.InsecureSkipVerify,
		},
	}

	var client *imapclient.Client
	var err error
	if f.cfg.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(f.cfg.Username, f.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &remote.AuthError{
			Service: "imap",
			Message: fmt.Sprintf("authentication failed for %s: %v", f.cfg.Username, err),
		}
	}

	data, err := client.Select(f.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true, CondStore: true}).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", f.cfg.Mailbox, err)
	}

	cur := Cursor{UIDValidity: data.UIDValidity, ModSeq: data.HighestModSeq}
	if data.UIDNext > 0 {
		cur.MaxUID = uint32(data.UIDNext) - 1
	}
	return &session{client: client, cursor: cur}, nil
}

// GetProfile implements remote.Feed. The history token is the mailbox's
// current cursor.
func (f *Feed) GetProfile(ctx context.Context) (*remote.Profile, error) {
	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	status, err := s.client.Status(f.cfg.Mailbox, &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("status of %s: %w", f.cfg.Mailbox, err)
	}

	total := 0
	if status.NumMessages != nil {
		total = int(*status.NumMessages)
	}
	return &remote.Profile{
		EmailAddress:  f.cfg.Username,
		HistoryToken:  s.cursor.String(),
		MessagesTotal: total,
	}, nil
}

// ListMessages implements remote.Feed. Newest UIDs come first.
func (f *Feed) ListMessages(ctx context.Context, maxResults int, labelIDs []string) ([]remote.MessageRef, error) {
	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	data, err := s.client.UIDSearch(f.searchCriteria(labelIDs), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := data.AllUIDs()
	slices.Reverse(uids)
	if maxResults > 0 && len(uids) > maxResults {
		uids = uids[:maxResults]
	}

	refs := make([]remote.MessageRef, 0, len(uids))
	for _, uid := range uids {
		id := strconv.FormatUint(uint64(uid), 10)
		refs = append(refs, remote.MessageRef{ID: id, ThreadID: id})
	}
	return refs, nil
}

// searchCriteria maps label filters onto IMAP flags. The selected mailbox
// itself matches every message.
func (f *Feed) searchCriteria(labelIDs []string) *imap.SearchCriteria {
	c := &imap.SearchCriteria{}
	for _, id := range labelIDs {
		switch {
		case id == model.LabelUnread:
			c.NotFlag = append(c.NotFlag, imap.FlagSeen)
		case id == model.LabelStarred:
			c.Flag = append(c.Flag, imap.FlagFlagged)
		case strings.EqualFold(id, f.cfg.Mailbox):
		default:
			c.Flag = append(c.Flag, imap.Flag(id))
		}
	}
	return c
}

// GetMessage implements remote.Feed.
func (f *Feed) GetMessage(ctx context.Context, id string, format remote.Format) (*remote.Message, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, remote.ErrMessageNotFound)
	}

	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		ModSeq:       true,
	}
	section := &imap.FetchItemBodySection{Peek: true}
	if format == remote.FormatRaw {
		opts.BodySection = []*imap.FetchItemBodySection{section}
	}

	cmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d: %w", uid, remote.ErrMessageNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message UID %d: %w", uid, err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching message UID %d: %w", uid, err)
	}

	out := &remote.Message{
		ID:           id,
		ThreadID:     id,
		LabelIDs:     LabelsFromFlags(f.cfg.Mailbox, buf.Flags),
		HistoryToken: strconv.FormatUint(buf.ModSeq, 10),
		InternalDate: buf.InternalDate.UTC(),
		SizeEstimate: buf.RFC822Size,
	}
	if format == remote.FormatRaw {
		out.Raw = buf.FindBodySection(section)
	}
	return out, nil
}

// ListHistory implements remote.Feed. Every message whose mod-sequence
// moved past the start token is reported once: as added when its UID is
// above the token's max UID, otherwise as a label change. Results are not
// paged.
func (f *Feed) ListHistory(ctx context.Context, req remote.HistoryRequest) (*remote.HistoryPage, error) {
	start, err := ParseCursor(req.StartToken)
	if err != nil {
		return nil, remote.ErrCursorExpired
	}

	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if s.cursor.ModSeq == 0 || s.cursor.UIDValidity != start.UIDValidity {
		return nil, remote.ErrCursorExpired
	}

	page := &remote.HistoryPage{LatestToken: s.cursor.String()}
	if s.cursor.ModSeq <= start.ModSeq && s.cursor.MaxUID <= start.MaxUID {
		return page, nil
	}

	cmd := s.client.Fetch(imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: start.ModSeq,
	})
	defer cmd.Close()

	changes, err := collectChanges(func() fetchedMessage {
		if msg := cmd.Next(); msg != nil {
			return msg
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching changes since %s: %w", req.StartToken, err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching changes since %s: %w", req.StartToken, err)
	}

	page.Records = f.records(changes, start, req)
	return page, nil
}

// fetchedMessage is one response of a FETCH command.
type fetchedMessage interface {
	Collect() (*imapclient.FetchMessageBuffer, error)
}

// collectChanges drains next until it returns nil. A message that cannot
// be read fails the whole page so the cursor does not move past it.
func collectChanges(next func() fetchedMessage) ([]change, error) {
	var changes []change
	for msg := next(); msg != nil; msg = next() {
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("reading changed message: %w", err)
		}
		changes = append(changes, change{uid: uint32(buf.UID), modSeq: buf.ModSeq, flags: buf.Flags})
	}
	return changes, nil
}

// change is one message reported by FETCH CHANGEDSINCE.
type change struct {
	uid    uint32
	modSeq uint64
	flags  []imap.Flag
}

func (f *Feed) records(changes []change, start Cursor, req remote.HistoryRequest) []remote.HistoryRecord {
	wants := func(t remote.HistoryType) bool {
		return len(req.Types) == 0 || slices.Contains(req.Types, t)
	}

	slices.SortFunc(changes, func(a, b change) int {
		if a.modSeq != b.modSeq {
			return compareUint64(a.modSeq, b.modSeq)
		}
		return compareUint64(uint64(a.uid), uint64(b.uid))
	})

	var out []remote.HistoryRecord
	for _, c := range changes {
		id := strconv.FormatUint(uint64(c.uid), 10)
		ref := remote.MessageRef{ID: id, ThreadID: id}
		labels := LabelsFromFlags(f.cfg.Mailbox, c.flags)
		rec := remote.HistoryRecord{ID: Cursor{UIDValidity: start.UIDValidity, ModSeq: c.modSeq, MaxUID: max(start.MaxUID, c.uid)}.String()}

		switch {
		case c.uid > start.MaxUID:
			if !wants(remote.HistoryMessageAdded) {
				continue
			}
			if req.LabelID != "" && !slices.Contains(labels, req.LabelID) {
				continue
			}
			ref.LabelIDs = labels
			rec.Added = []remote.MessageRef{ref}
		default:
			if !wants(remote.HistoryLabelAdded) {
				continue
			}
			rec.LabelsAdded = []remote.LabelChange{{Message: ref, LabelIDs: labels}}
		}
		out = append(out, rec)
	}
	return out
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ListLabels implements remote.Feed. Mailboxes are reported as labels
// next to the flag-derived system labels.
func (f *Feed) ListLabels(ctx context.Context) ([]model.Label, error) {
	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	labels := []model.Label{
		{ID: model.LabelUnread, Name: model.LabelUnread, Type: "system"},
		{ID: model.LabelStarred, Name: model.LabelStarred, Type: "system"},
	}
	for _, mb := range mailboxes {
		typ := "user"
		if strings.EqualFold(mb.Mailbox, "INBOX") {
			typ = "system"
		}
		labels = append(labels, model.Label{ID: mailboxLabel(mb.Mailbox), Name: mb.Mailbox, Type: typ})
	}
	return labels, nil
}

// FindLabelByName implements remote.Feed.
func (f *Feed) FindLabelByName(ctx context.Context, name string) (*model.Label, bool, error) {
	labels, err := f.ListLabels(ctx)
	if err != nil {
		return nil, false, err
	}
	l, ok := remote.FindLabel(labels, name)
	return l, ok, nil
}

// LabelsFromFlags derives a label set from IMAP flags: the mailbox itself,
// UNREAD when \Seen is absent, STARRED for \Flagged and keywords verbatim.
// Other system flags are dropped.
func LabelsFromFlags(mailbox string, flags []imap.Flag) []string {
	labels := []string{mailboxLabel(mailbox)}
	if !slices.Contains(flags, imap.FlagSeen) {
		labels = append(labels, model.LabelUnread)
	}
	for _, fl := range flags {
		switch {
		case fl == imap.FlagFlagged:
			labels = append(labels, model.LabelStarred)
		case strings.HasPrefix(string(fl), `\`):
		default:
			labels = append(labels, string(fl))
		}
	}
	return labels
}

func mailboxLabel(mailbox string) string {
	if strings.EqualFold(mailbox, "INBOX") {
		return model.LabelInbox
	}
	return mailbox
}

// Cursor is the change-feed position of a mailbox.
type Cursor struct {
	UIDValidity uint32
	ModSeq      uint64
	MaxUID      uint32
}

// String encodes the cursor as "uidvalidity:modseq:maxuid".
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d:%d", c.UIDValidity, c.ModSeq, c.MaxUID)
}

var errBadCursor = errors.New("malformed IMAP cursor")

// ParseCursor decodes a token produced by Cursor.String.
func ParseCursor(token string) (Cursor, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return Cursor{}, fmt.Errorf("%w: %q", errBadCursor, token)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", errBadCursor, token)
	}
	modSeq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", errBadCursor, token)
	}
	maxUID, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", errBadCursor, token)
	}
	return Cursor{UIDValidity: uint32(validity), ModSeq: modSeq, MaxUID: uint32(maxUID)}, nil
}

var _ remote.Feed = (*Feed)(nil)
