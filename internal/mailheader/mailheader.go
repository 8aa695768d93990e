// Package mailheader extracts the addressing headers of an RFC 5322
// message into per-role address entries.
package mailheader

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/kws/mailindexer/internal/model"
)

// roleFields maps each role to the header field it is read from.
var roleFields = []struct {
	role  model.Role
	field string
}{
	{model.RoleFrom, "From"},
	{model.RoleTo, "To"},
	{model.RoleCC, "Cc"},
	{model.RoleBCC, "Bcc"},
	{model.RoleReplyTo, "Reply-To"},
}

// Headers holds the fields of a message used by the store and the index.
type Headers struct {
	Subject   string
	MessageID string
	Date      time.Time

	// Entries are normalised and unique per (email, role). Only the first
	// From address is kept.
	Entries []model.AddressEntry
}

// Parse reads the header block of raw. A body is not required.
func Parse(raw []byte) (*Headers, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Headers{}, nil
	}
	if !bytes.Contains(raw, []byte("\r\n\r\n")) && !bytes.Contains(raw, []byte("\n\n")) {
		raw = append(bytes.Clone(raw), "\r\n\r\n"...)
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	out := &Headers{}
	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = "<" + id + ">"
	}
	if date, err := h.Date(); err == nil {
		out.Date = date
	}

	seen := make(map[string]struct{})
	for _, rf := range roleFields {
		addrs := addressList(h, rf.field)
		if rf.role == model.RoleFrom && len(addrs) > 1 {
			addrs = addrs[:1]
		}
		for _, a := range addrs {
			email := model.NormalizeEmail(a.Address)
			if email == "" {
				continue
			}
			key := email + "\x00" + string(rf.role)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.Entries = append(out.Entries, model.AddressEntry{
				Email:       email,
				DisplayName: strings.TrimSpace(a.Name),
				Role:        rf.role,
			})
		}
	}

	return out, nil
}

// addressList parses a field strictly and, when that fails, address by
// address so one malformed entry does not hide the others.
func addressList(h mail.Header, field string) []*mail.Address {
	if !h.Has(field) {
		return nil
	}
	if addrs, err := h.AddressList(field); err == nil {
		return addrs
	}

	var addrs []*mail.Address
	for _, part := range strings.Split(h.Get(field), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := mail.ParseAddress(part)
		if err != nil {
			if strings.Contains(part, "@") && !strings.ContainsAny(part, " <>\"") {
				addrs = append(addrs, &mail.Address{Address: part})
			}
			continue
		}
		addrs = append(addrs, a)
	}
	return addrs
}
