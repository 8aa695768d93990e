// Package export writes stored messages out of the replica.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/kws/mailindexer/internal/mailheader"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
)

// defaultSender is the envelope sender used when a message has no From.
const defaultSender = "MAILER-DAEMON"

// MessageLister is the part of the store the exporter reads from.
type MessageLister interface {
	ListMessages(ctx context.Context, filter store.MessageFilter) ([]model.Message, error)
}

// Result summarises an export.
type Result struct {
	Written int
	Skipped int
}

// WriteMbox writes every message matching filter to w in mbox format,
// newest first. Messages without raw content are skipped.
func WriteMbox(ctx context.Context, s MessageLister, filter store.MessageFilter, w io.Writer, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	msgs, err := s.ListMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing messages to export: %w", err)
	}

	mw := mboxlib.NewWriter(w)
	result := &Result{}
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		msg := &msgs[i]
		if len(msg.Raw) == 0 {
			logger.Warn("skipping message without content", "account", msg.Account, "message", msg.ID)
			result.Skipped++
			continue
		}

		date := msg.InternalDate
		if date.IsZero() {
			date = time.Unix(0, 0).UTC()
		}
		mwc, err := mw.CreateMessage(envelopeSender(msg.Raw), date)
		if err != nil {
			return result, fmt.Errorf("starting mbox entry for %s: %w", msg.ID, err)
		}
		if _, err := io.Copy(mwc, bytes.NewReader(msg.Raw)); err != nil {
			return result, fmt.Errorf("writing mbox entry for %s: %w", msg.ID, err)
		}
		result.Written++
	}
	if err := mw.Close(); err != nil {
		return result, fmt.Errorf("closing mbox: %w", err)
	}

	logger.Info("mbox export completed", "written", result.Written, "skipped", result.Skipped)
	return result, nil
}

func envelopeSender(raw []byte) string {
	h, err := mailheader.Parse(raw)
	if err != nil {
		return defaultSender
	}
	for _, e := range h.Entries {
		if e.Role == model.RoleFrom {
			return e.Email
		}
	}
	return defaultSender
}
