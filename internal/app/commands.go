package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kws/mailindexer/internal/credential"
	"github.com/kws/mailindexer/internal/export"
	"github.com/kws/mailindexer/internal/index"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
	appsync "github.com/kws/mailindexer/internal/sync"
	"github.com/kws/mailindexer/internal/theme"
)

func addBatchSizeFlag(fs *pflag.FlagSet, target *int) {
	fs.IntVar(target, "batch-size", 0, "Messages loaded per batch (default: index.batch_size)")
}

func addLimitFlag(fs *pflag.FlagSet, target *int, def int) {
	fs.IntVar(target, "limit", def, "Maximum number of rows (0 for no limit)")
}

// syncOutput is the JSON shape of the sync command.
type syncOutput struct {
	Sync        *appsync.SyncReport   `json:"sync"`
	Maintenance *index.MaintainReport `json:"maintenance,omitempty"`
}

func (c *cli) syncCmd() *cobra.Command {
	var (
		full       bool
		maxResults int
		labels     []string
		labelIDs   []string
		maintain   bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronise the remote mailbox into the local store",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.BoolVar(&full, "full", false, "Force a full sync even when a cursor is stored")
	flags.IntVar(&maxResults, "max-results", 0, "Messages listed by a full sync (default: sync.max_results)")
	flags.StringSliceVar(&labels, "label", nil, "Label names to restrict the sync to")
	flags.StringSliceVar(&labelIDs, "label-id", nil, "Label IDs to restrict the sync to")
	flags.BoolVar(&maintain, "maintain", false, "Run index maintenance after the sync (default: sync.maintain_index)")

	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		src := a.source(c.account)
		if c.account != "" {
			src.Account = c.account
		}
		if full {
			src.ForceFull = true
		}
		if maxResults > 0 {
			src.MaxResults = maxResults
		}
		if flags.Changed("label") {
			src.Labels = labels
		}
		if flags.Changed("label-id") {
			src.LabelIDs = labelIDs
		}
		if !flags.Changed("maintain") {
			maintain = a.cfg.Sync.MaintainIndex
		}

		coord, err := a.coordinator(ctx, src.Account)
		if err != nil {
			return err
		}
		report, err := coord.Sync(ctx, appsync.SyncRequest{
			Account:    src.Account,
			MaxResults: src.MaxResults,
			ForceFull:  src.ForceFull,
			LabelIDs:   src.LabelIDs,
			LabelNames: src.Labels,
		})
		if err != nil {
			return err
		}

		out := syncOutput{Sync: report}
		if maintain {
			if out.Maintenance, err = a.maintainer().Maintain(ctx, report.Account); err != nil {
				return fmt.Errorf("maintaining index after sync: %w", err)
			}
		}
		return c.emit(out, func() string {
			text := renderSync(report)
			if out.Maintenance != nil {
				text += "\n" + renderMaintain(out.Maintenance)
			}
			return text
		})
	})
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll every configured source until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Default poll interval (default: sync.poll_interval_sec)")

	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		if interval <= 0 {
			interval = time.Duration(a.cfg.Sync.PollIntervalSec) * time.Second
		}

		var afterSync appsync.AfterSyncFunc
		if a.cfg.Sync.MaintainIndex {
			m := a.maintainer()
			afterSync = func(ctx context.Context, r *appsync.SyncReport) error {
				_, err := m.Maintain(ctx, r.Account)
				return err
			}
		}

		p := appsync.NewPoller(interval, afterSync, a.logger)
		if a.registerSources(ctx, p, c.account) == 0 {
			return errors.New("no enabled sources to watch")
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case res := <-p.Results():
					switch {
					case res.AuthFailed:
						a.logger.Error("credentials rejected, update them with `mailindexer config set-token`", "source", res.Source)
					case res.Error == nil:
						_ = c.emit(res.Report, func() string { return renderSync(res.Report) })
					}
				}
			}
		}()

		a.logger.Info("watching sources", "interval", interval)
		err := p.Run(ctx)
		if c.output == outputText {
			fmt.Fprintln(c.opts.Out, renderStatuses(p.GetStatuses()))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return cmd
}

func (c *cli) resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <message-id>...",
		Short: "Download messages again and reindex them",
		Args:  cobra.MinimumNArgs(1),
		RunE: c.withApp(func(ctx context.Context, a *App, args []string) error {
			coord, err := a.coordinator(ctx, c.account)
			if err != nil {
				return err
			}
			account := c.account
			if account == "" {
				feed, err := a.feeds(ctx, "")
				if err != nil {
					return err
				}
				profile, err := feed.GetProfile(ctx)
				if err != nil {
					return &appsync.IdentityError{Err: err}
				}
				account = profile.EmailAddress
			}

			m := a.maintainer()
			rows := make([]theme.Row, 0, len(args))
			for _, id := range args {
				created, err := coord.ResyncMessage(ctx, account, id)
				if err != nil {
					return err
				}
				msg, found, err := a.store.GetMessage(ctx, account, id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("message %s vanished after resync", id)
				}
				n, err := m.IndexMessage(ctx, msg, true)
				if err != nil {
					return err
				}
				state := "updated"
				if created {
					state = "new"
				}
				rows = append(rows, theme.Row{Key: id, Value: fmt.Sprintf("%s, %d addresses", state, n)})
			}
			_, err = fmt.Fprintln(c.opts.Out, theme.Report("Resync "+account, rows))
			return err
		}),
	}
}

func (c *cli) labelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "List the remote mailbox labels",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *App, _ []string) error {
			coord, err := a.coordinator(ctx, c.account)
			if err != nil {
				return err
			}
			labels, err := coord.ListLabels(ctx)
			if err != nil {
				return err
			}
			return c.emit(labels, func() string { return renderLabels(labels) })
		}),
	}
}

func (c *cli) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
	}
	addLimitFlag(cmd.Flags(), &limit, 20)
	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		runs, err := a.store.ListSyncRuns(ctx, c.account, limit)
		if err != nil {
			return err
		}
		return c.emit(runs, func() string { return renderRuns(runs) })
	})
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the address index for missing, stale and inconsistent entries",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *App, _ []string) error {
			report, err := a.maintainer().Validate(ctx, c.account)
			if err != nil {
				return err
			}
			return c.emit(report, func() string { return renderValidation(report) })
		}),
	}
}

func (c *cli) fixMissingCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "fix-missing",
		Short: "Index messages that are missing from the index or changed since indexing",
		Args:  cobra.NoArgs,
	}
	addBatchSizeFlag(cmd.Flags(), &batchSize)
	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		report, err := a.maintainer().FixMissing(ctx, c.account, batchSize)
		if err != nil {
			return err
		}
		return c.emit(report, func() string { return renderFix(report) })
	})
	return cmd
}

func (c *cli) cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned addresses and fix address statistics",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *App, _ []string) error {
			report, err := a.maintainer().MaintenanceCleanup(ctx)
			if err != nil {
				return err
			}
			return c.emit(report, func() string { return renderCleanup(report) })
		}),
	}
}

func (c *cli) maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Validate the index and repair whatever the validation finds",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *App, _ []string) error {
			report, err := a.maintainer().Maintain(ctx, c.account)
			if err != nil {
				return err
			}
			return c.emit(report, func() string { return renderMaintain(report) })
		}),
	}
}

func (c *cli) rebuildCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Clear and rebuild the address index from stored messages",
		Args:  cobra.NoArgs,
	}
	addBatchSizeFlag(cmd.Flags(), &batchSize)
	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		report, err := a.maintainer().Rebuild(ctx, c.account, batchSize)
		if err != nil {
			return err
		}
		return c.emit(report, func() string { return renderRebuild(report) })
	})
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics and the most frequent addresses",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&top, "top", -1, "Number of top addresses (default: index.top_addresses)")
	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		if top < 0 {
			top = a.cfg.Index.TopAddresses
		}
		st, err := a.maintainer().Statistics(ctx, c.account, top)
		if err != nil {
			return err
		}
		return c.emit(st, func() string { return renderStatistics(st) })
	})
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarise index health with suggested repairs",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, a *App, _ []string) error {
			report, err := a.maintainer().HealthCheck(ctx, c.account, a.cfg.Index.TopAddresses)
			if err != nil {
				return err
			}
			return c.emit(report, func() string { return renderHealth(report) })
		}),
	}
}

func (c *cli) contactsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "contacts <pattern>",
		Short: "Search indexed addresses",
		Args:  cobra.ExactArgs(1),
	}
	addLimitFlag(cmd.Flags(), &limit, 50)
	cmd.RunE = c.withApp(func(ctx context.Context, a *App, args []string) error {
		addrs, err := a.maintainer().SearchContacts(ctx, args[0], limit)
		if err != nil {
			return err
		}
		return c.emit(addrs, func() string { return renderAddresses(addrs) })
	})
	return cmd
}

func (c *cli) contactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contact <email>",
		Short: "Show statistics for one address",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(ctx context.Context, a *App, args []string) error {
			cs, found, err := a.maintainer().ContactStatistics(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("address %s is not indexed", args[0])
			}
			return c.emit(cs, func() string { return renderContact(cs) })
		}),
	}
}

func (c *cli) messagesCmd() *cobra.Command {
	var (
		limit int
		roles []string
	)
	cmd := &cobra.Command{
		Use:   "messages <email>",
		Short: "List messages that reference an address",
		Args:  cobra.ExactArgs(1),
	}
	addLimitFlag(cmd.Flags(), &limit, 50)
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Restrict to roles: from, to, cc, bcc, reply_to")

	cmd.RunE = c.withApp(func(ctx context.Context, a *App, args []string) error {
		parsed := make([]model.Role, 0, len(roles))
		for _, r := range roles {
			role, err := model.ParseRole(r)
			if err != nil {
				return err
			}
			parsed = append(parsed, role)
		}

		msgs, err := a.maintainer().MessagesForAddress(ctx, args[0], parsed, limit)
		if err != nil {
			return err
		}
		views := messageViews(msgs)
		return c.emit(views, func() string { return renderMessages(views) })
	})
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		path   string
		filter store.MessageFilter
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored messages to an mbox file",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.StringVar(&path, "out", "-", "Destination file, - for stdout")
	flags.StringVar(&filter.LabelID, "label-id", "", "Only messages carrying this label")
	flags.BoolVar(&filter.UnreadOnly, "unread", false, "Only unread messages")
	flags.BoolVar(&filter.StarredOnly, "starred", false, "Only starred messages")
	flags.IntVar(&filter.Limit, "limit", 0, "Maximum number of messages (0 for all)")

	cmd.RunE = c.withApp(func(ctx context.Context, a *App, _ []string) error {
		filter.Account = c.account

		var w io.Writer = c.opts.Out
		if path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			defer f.Close()
			w = f
		}

		result, err := export.WriteMbox(ctx, a.store, filter, w, a.logger)
		if err != nil {
			return err
		}
		if path == "-" {
			return nil
		}
		return c.emit(result, func() string {
			return theme.Report("Export", []theme.Row{
				{Key: "file", Value: path},
				{Key: "written", Value: fmt.Sprint(result.Written)},
				{Key: "skipped", Value: fmt.Sprint(result.Skipped)},
			})
		})
	})
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and manage credentials",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return c.emit(cfg, func() string { return renderConfig(c.configPath, cfg) })
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the current settings",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if _, err := os.Stat(c.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", c.configPath)
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := model.SaveConfig(c.configPath, cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.opts.Out, "wrote", c.configPath)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(
		show,
		initCmd,
		c.secretCmd("set-token", "Store a Gmail access token read from stdin", credential.GmailTokenKey),
		c.secretCmd("set-password", "Store an IMAP password read from stdin", credential.IMAPPasswordKey),
	)
	return cmd
}

// secretCmd stores the first stdin line under keyFor(--account).
func (c *cli) secretCmd(use, short string, keyFor func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.account == "" {
				return errors.New("--account is required")
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading secret: %w", err)
			}
			secret := strings.TrimSpace(line)
			if secret == "" {
				return errors.New("empty secret")
			}

			vault, err := credential.Open()
			if err != nil {
				return err
			}
			key := keyFor(c.account)
			if err := vault.Set(key, secret); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.opts.Out, "stored", key)
			return err
		},
	}
}

func renderConfig(path string, cfg *model.AppConfig) string {
	rows := []theme.Row{
		{Key: "config file", Value: path},
		{Key: "database", Value: cfg.Database.Driver + " " + cfg.Database.DSN},
		{Key: "remote", Value: cfg.Remote.Type},
		{Key: "log level", Value: cfg.Log.Level},
		{Key: "sync batch size", Value: fmt.Sprint(cfg.Sync.BatchSize)},
		{Key: "history pages", Value: fmt.Sprintf("%d x %d", cfg.Sync.MaxHistoryPages, cfg.Sync.HistoryPageSize)},
		{Key: "poll interval", Value: (time.Duration(cfg.Sync.PollIntervalSec) * time.Second).String()},
		{Key: "maintain index", Value: fmt.Sprint(cfg.Sync.MaintainIndex)},
		{Key: "index workers", Value: fmt.Sprint(cfg.Index.Workers)},
	}
	if cfg.Remote.Type == remoteIMAP {
		rows = append(rows, theme.Row{Key: "imap", Value: fmt.Sprintf("%s@%s:%d/%s", cfg.IMAP.Username, cfg.IMAP.Host, cfg.IMAP.Port, cfg.IMAP.Mailbox)})
	}
	for _, src := range cfg.Sources {
		state := "enabled"
		if !src.Enabled {
			state = "disabled"
		}
		rows = append(rows, theme.Row{Key: "source " + src.Account, Value: state + " " + strings.Join(slices.Concat(src.Labels, src.LabelIDs), ",")})
	}
	return theme.Report("Configuration", rows)
}
