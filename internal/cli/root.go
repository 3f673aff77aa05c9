// Package cli implements llamactl, the management CLI for the gateway's keys,
// webhooks and settings. Commands work on the same database as the gateway.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llama_gateway/internal/config"
	"llama_gateway/internal/logging"
	"llama_gateway/internal/storage"
)

// ErrNoSharedStore is returned when the configured driver keeps its data inside the
// gateway process, out of llamactl's reach.
var ErrNoSharedStore = errors.New("the memory driver is private to the gateway process; use the admin API or a postgres/mysql database")

// Stores is what the commands operate on
type Stores struct {
	Keys     storage.APIKeyStore
	Webhooks storage.WebhookStore
	Migrate  func(ctx context.Context) error
	Close    func() error
}

// StoreOpener connects to the stores described by cfg
type StoreOpener func(cfg *config.Config) (*Stores, error)

// Options wires the CLI to its environment
type Options struct {
	LoadConfig func() (*config.Config, error)
	OpenStores StoreOpener
	In         io.Reader
	// Now replaces time.Now for created keys
	Now func() time.Time
}

// DefaultOptions reads configuration like the gateway does and talks to its database
func DefaultOptions() Options {
	return Options{
		LoadConfig: config.Load,
		OpenStores: OpenStores,
		In:         os.Stdin,
		Now:        time.Now,
	}
}

// OpenStores opens the SQL database named by cfg
func OpenStores(cfg *config.Config) (*Stores, error) {
	if cfg.Database.Driver == storage.DriverMemory {
		return nil, ErrNoSharedStore
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, err
	}

	dbCfg := storage.DefaultDBConfig()
	dbCfg.Driver = cfg.Database.Driver
	dbCfg.DSN = cfg.Database.URL
	dbCfg.MaxOpenConns = 2
	dbCfg.MaxIdleConns = 1
	dbCfg.QueryTimeout = cfg.Database.QueryTimeout
	// llamactl must see every write immediately
	dbCfg.APIKeyCacheTTL = 0
	dbCfg.WebhookCacheTTL = 0

	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Stores{
		Keys:     db.NewAPIKeyRepository(),
		Webhooks: db.NewWebhookRepository(),
		Migrate:  db.Migrate,
		Close:    db.Close,
	}, nil
}

// app carries the state shared by all commands of one invocation
type app struct {
	opts    Options
	verbose bool

	cfg *config.Config
}

// NewRootCommand builds the llamactl command tree
func NewRootCommand(opts Options) *cobra.Command {
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}
	if opts.OpenStores == nil {
		opts.OpenStores = OpenStores
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "llamactl",
		Short: "Manage the llama gateway's API keys, webhooks and settings",
		Long: `llamactl manages the llama gateway.

Keys and webhooks live in the gateway's database, so changes take effect on the
next request without a restart. Port changes are written to the config file and
apply when the gateway starts again.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.verbose {
				logging.SetLogLevel(logging.Debug)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(a.keyCommands()...)
	root.AddCommand(a.webhookCommands()...)
	root.AddCommand(a.settingsCommands()...)
	root.AddCommand(a.adminCommands()...)
	return root
}

// Execute runs llamactl with DefaultOptions
func Execute() error {
	return NewRootCommand(DefaultOptions()).Execute()
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := a.opts.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil && !a.verbose {
		logging.SetLogLevel(level)
	}
	a.cfg = cfg
	return cfg, nil
}

// withStores opens the stores, runs fn with a bounded context and closes them again
func (a *app) withStores(cmd *cobra.Command, fn func(ctx context.Context, s *Stores) error) (err error) {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	stores, err := a.opts.OpenStores(cfg)
	if err != nil {
		return err
	}
	if stores.Close != nil {
		defer func() {
			if closeErr := stores.Close(); err == nil {
				err = closeErr
			}
		}()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, stores)
}
