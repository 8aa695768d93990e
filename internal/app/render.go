package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kws/mailindexer/internal/index"
	"github.com/kws/mailindexer/internal/model"
	appsync "github.com/kws/mailindexer/internal/sync"
	"github.com/kws/mailindexer/internal/theme"
)

// maxRenderedErrors caps the item errors listed under a sync report.
const maxRenderedErrors = 10

const dateLayout = "2006-01-02 15:04"

func count(n int) string {
	return theme.CountStyle(n).Render(strconv.Itoa(n))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(dateLayout)
}

func renderSync(r *appsync.SyncReport) string {
	syncType := r.SyncType
	if r.FellBack {
		syncType += " (cursor expired, fell back)"
	}

	rows := []theme.Row{
		{Key: "account", Value: r.Account},
		{Key: "type", Value: syncType},
	}
	if len(r.LabelFilter) > 0 {
		rows = append(rows, theme.Row{Key: "labels", Value: strings.Join(r.LabelFilter, ", ")})
	}
	if r.SyncType == model.SyncTypeFull {
		rows = append(rows,
			theme.Row{Key: "found", Value: strconv.Itoa(r.TotalFound)},
			theme.Row{Key: "new", Value: strconv.Itoa(r.NewMessages)},
			theme.Row{Key: "updated", Value: strconv.Itoa(r.UpdatedMessages)},
		)
	} else {
		rows = append(rows,
			theme.Row{Key: "history records", Value: strconv.Itoa(r.HistoryRecords)},
			theme.Row{Key: "added", Value: strconv.Itoa(r.MessagesAdded)},
			theme.Row{Key: "deleted", Value: strconv.Itoa(r.MessagesDeleted)},
			theme.Row{Key: "labels modified", Value: strconv.Itoa(r.LabelsModified)},
		)
	}
	rows = append(rows,
		theme.Row{Key: "errors", Value: count(r.ErrorCount())},
		theme.Row{Key: "cursor", Value: r.Cursor},
		theme.Row{Key: "duration", Value: r.Duration().Round(time.Millisecond).String()},
	)

	var notes []string
	for i, e := range r.Errors {
		if i == maxRenderedErrors {
			notes = append(notes, fmt.Sprintf("and %d more errors", len(r.Errors)-maxRenderedErrors))
			break
		}
		notes = append(notes, theme.ErrorStyle.Render(e.String()))
	}
	return theme.Report("Sync", rows, notes...)
}

func validationRows(v *index.ValidationReport) []theme.Row {
	return []theme.Row{
		{Key: "messages", Value: strconv.Itoa(v.TotalMessages)},
		{Key: "missing", Value: count(v.MissingMessages)},
		{Key: "stale", Value: count(v.StaleMessages)},
		{Key: "orphaned addresses", Value: count(v.OrphanedAddresses)},
		{Key: "inconsistent counts", Value: count(v.InconsistentCounts)},
	}
}

func renderValidation(v *index.ValidationReport) string {
	status := "ok"
	if !v.IsValid() {
		status = "warning"
	}
	rows := append([]theme.Row{{Key: "status", Value: theme.StatusStyle(status).Render(status)}}, validationRows(v)...)
	return theme.Report("Validation", rows)
}

func renderFix(r *index.FixReport) string {
	return theme.Report("Fix missing", []theme.Row{
		{Key: "missing", Value: strconv.Itoa(r.MissingCount)},
		{Key: "stale", Value: strconv.Itoa(r.StaleCount)},
		{Key: "processed", Value: strconv.Itoa(r.ProcessedCount)},
		{Key: "errors", Value: count(r.ErrorCount)},
	})
}

func renderCleanup(r *index.CleanupReport) string {
	return theme.Report("Cleanup", []theme.Row{
		{Key: "orphans removed", Value: strconv.Itoa(r.OrphanedRemoved)},
		{Key: "counts updated", Value: strconv.Itoa(r.CountsUpdated)},
	})
}

func renderRebuild(r *index.RebuildReport) string {
	return theme.Report("Rebuild", []theme.Row{
		{Key: "relationships cleared", Value: strconv.Itoa(r.RelationshipsCleared)},
		{Key: "orphans removed", Value: strconv.Itoa(r.OrphanedRemoved)},
		{Key: "messages", Value: strconv.Itoa(r.Bulk.Total)},
		{Key: "indexed", Value: strconv.Itoa(r.Bulk.Processed)},
		{Key: "relationships", Value: strconv.Itoa(r.Bulk.Relationships)},
		{Key: "errors", Value: count(r.Bulk.Errors)},
	})
}

func renderMaintain(r *index.MaintainReport) string {
	parts := []string{renderValidation(r.Validation)}
	if r.Fix != nil {
		parts = append(parts, renderFix(r.Fix))
	}
	if r.Cleanup != nil {
		parts = append(parts, renderCleanup(r.Cleanup))
	}
	if r.Fix == nil && r.Cleanup == nil {
		parts = append(parts, theme.HelpStyle.Render("nothing to repair"))
	}
	return strings.Join(parts, "\n")
}

func renderStatistics(st *index.Statistics) string {
	rows := []theme.Row{
		{Key: "messages", Value: strconv.Itoa(st.TotalMessages)},
		{Key: "addresses", Value: strconv.Itoa(st.TotalIndexedAddresses)},
		{Key: "relationships", Value: strconv.Itoa(st.TotalRelationships)},
	}
	for _, role := range model.Roles {
		rows = append(rows, theme.Row{Key: "  " + string(role), Value: strconv.Itoa(st.FieldDistribution[role])})
	}
	out := theme.Report("Index statistics", rows)
	if len(st.TopAddresses) > 0 {
		out += "\n" + renderAddresses(st.TopAddresses)
	}
	return out
}

func renderHealth(h *index.HealthReport) string {
	rows := append([]theme.Row{{Key: "status", Value: theme.StatusStyle(h.Status).Render(h.Status)}}, validationRows(h.Validation)...)
	rows = append(rows,
		theme.Row{Key: "addresses", Value: strconv.Itoa(h.Statistics.TotalIndexedAddresses)},
		theme.Row{Key: "relationships", Value: strconv.Itoa(h.Statistics.TotalRelationships)},
	)
	return theme.Report("Index health", rows, h.Recommendations...)
}

func renderAddresses(addrs []model.IndexedAddress) string {
	rows := make([][]string, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, []string{a.Email, a.DisplayName, strconv.Itoa(a.MessageCount), formatTime(a.FirstSeen), formatTime(a.LastSeen)})
	}
	return theme.Table([]string{"EMAIL", "NAME", "MESSAGES", "FIRST SEEN", "LAST SEEN"}, rows)
}

func renderContact(cs *index.ContactStatistics) string {
	rows := []theme.Row{
		{Key: "name", Value: cs.Address.DisplayName},
		{Key: "messages", Value: strconv.Itoa(cs.Address.MessageCount)},
		{Key: "first seen", Value: formatTime(cs.Address.FirstSeen)},
		{Key: "last seen", Value: formatTime(cs.Address.LastSeen)},
	}
	for _, role := range model.Roles {
		if n, ok := cs.FieldCounts[role]; ok {
			rows = append(rows, theme.Row{Key: "  as " + string(role), Value: strconv.Itoa(n)})
		}
	}
	return theme.Report(cs.Address.Email, rows)
}

// messageView is the listing shape of a stored message.
type messageView struct {
	Account   string    `json:"account"`
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Date      time.Time `json:"date"`
	Subject   string    `json:"subject"`
	MessageID string    `json:"message_id,omitempty"`
	Labels    []string  `json:"labels"`
	Read      bool      `json:"read"`
	Starred   bool      `json:"starred"`
}

func messageViews(msgs []model.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			Account:   m.Account,
			ID:        m.ID,
			ThreadID:  m.ThreadID,
			Date:      m.InternalDate,
			Subject:   m.Subject,
			MessageID: m.RFC822MessageID,
			Labels:    m.LabelIDs,
			Read:      m.Read,
			Starred:   m.Starred,
		})
	}
	return out
}

func renderMessages(views []messageView) string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{formatTime(v.Date), v.ID, v.Subject, strings.Join(v.Labels, ",")})
	}
	return theme.Table([]string{"DATE", "ID", "SUBJECT", "LABELS"}, rows)
}

func renderLabels(labels []model.Label) string {
	rows := make([][]string, 0, len(labels))
	for _, l := range labels {
		rows = append(rows, []string{l.ID, l.Name, l.Category()})
	}
	return theme.Table([]string{"ID", "NAME", "CATEGORY"}, rows)
}

func renderRuns(runs []model.SyncRun) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		syncType := r.SyncType
		if r.FellBack {
			syncType += "*"
		}
		rows = append(rows, []string{
			formatTime(r.StartedAt),
			r.Account,
			syncType,
			strconv.Itoa(r.NewMessages),
			strconv.Itoa(r.UpdatedMessages),
			strconv.Itoa(r.DeletedMessages),
			strconv.Itoa(r.LabelsModified),
			strconv.Itoa(r.ErrorCount),
		})
	}
	return theme.Table([]string{"STARTED", "ACCOUNT", "TYPE", "NEW", "UPDATED", "DELETED", "LABELS", "ERRORS"}, rows)
}

func renderStatuses(statuses []appsync.SyncStatus) string {
	rows := make([]theme.Row, 0, len(statuses))
	for _, s := range statuses {
		value := theme.StatusStyle(s.State.String()).Render(s.State.String()) + " last " + formatTime(s.LastSync)
		if s.Error != nil {
			value += " " + theme.ErrorStyle.Render(s.Error.Error())
		}
		rows = append(rows, theme.Row{Key: s.Name, Value: value})
	}
	return theme.Report("Sources", rows)
}
