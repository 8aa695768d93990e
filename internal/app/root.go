package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kws/mailindexer/internal/model"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
)

// Options carries the process streams and test seams into the commands.
type Options struct {
	Out io.Writer
	Err io.Writer

	// Feeds overrides feed construction from the remote config section.
	Feeds FeedFactory
}

// cli holds the state shared by the command tree.
type cli struct {
	opts       Options
	v          *viper.Viper
	configPath string
	account    string
	output     string
}

// persistentBindings maps persistent flags onto configuration keys.
var persistentBindings = map[string]string{
	"log-level": "log.level",
	"log-dir":   "log.dir",
	"db-driver": "database.driver",
	"db-dsn":    "database.dsn",
	"remote":    "remote.type",
}

// NewRootCommand builds the mailindexer command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	c := &cli{opts: opts, v: viper.New()}

	root := &cobra.Command{
		Use:           "mailindexer",
		Short:         "Replicate a remote mailbox locally and index its addresses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", model.DefaultConfigPath(), "Path to the YAML configuration file")
	flags.StringVar(&c.account, "account", "", "Mailbox account to operate on (default: every account, or the remote's identity)")
	flags.StringVarP(&c.output, "output", "o", outputText, "Output format: text or json")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stderr")
	flags.String("db-driver", "", "Database driver: sqlite or pgx")
	flags.String("db-dsn", "", "Database file path (sqlite) or connection URL (pgx)")
	flags.String("remote", "", "Remote service: gmail or imap")
	if err := bindFlags(c.v, flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		c.syncCmd(),
		c.watchCmd(),
		c.resyncCmd(),
		c.labelsCmd(),
		c.runsCmd(),
		c.validateCmd(),
		c.fixMissingCmd(),
		c.cleanupCmd(),
		c.maintainCmd(),
		c.rebuildCmd(),
		c.statsCmd(),
		c.healthCmd(),
		c.contactsCmd(),
		c.contactCmd(),
		c.messagesCmd(),
		c.exportCmd(),
		c.configCmd(),
	)
	return root
}

// Execute runs the command tree against the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCommand(Options{}).ExecuteContext(ctx)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range persistentBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func (c *cli) loadConfig() (*model.AppConfig, error) {
	return model.LoadConfigWith(c.v, c.configPath)
}

// withApp wraps a command body with config loading, logger setup and the
// store lifecycle.
func (c *cli) withApp(fn func(ctx context.Context, a *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if c.output != outputText && c.output != outputJSON {
			return fmt.Errorf("unknown output format %q", c.output)
		}

		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.Log, c.opts.Err)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := New(ctx, cfg, logger, c.opts.Out, c.opts.Feeds)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(ctx, a, args)
	}
}

// emit writes v as JSON or the text rendering.
func (c *cli) emit(v any, text func() string) error {
	if c.output == outputJSON {
		enc := json.NewEncoder(c.opts.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.opts.Out, text())
	return err
}
