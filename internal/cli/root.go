// Package cli implements the notesync command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/notesync/internal/broadcast"
	"github.com/kimhsiao/notesync/internal/config"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/replica"
	syncpkg "github.com/kimhsiao/notesync/internal/sync"
	"github.com/kimhsiao/notesync/internal/sync/scheduler"
	"github.com/kimhsiao/notesync/internal/transport"
)

// app carries the flags and resolved configuration shared by commands.
type app struct {
	cfgFile  string
	envFile  string
	dataDir  string
	dbName   string
	logLevel string
	asJSON   bool

	cfg *config.Config
	// logOut receives log lines. Defaults to stderr.
	logOut io.Writer
}

// NewRootCommand builds the notesync command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{logOut: os.Stderr}

	root := &cobra.Command{
		Use:   "notesync",
		Short: "Local-first notes with offline replication",
		Long: `notesync keeps a notes database on every device and replicates it
through a sync server. Edits are accepted offline and merged on the next
sync.`,
		Version:           version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: config.yaml in . or the data directory)")
	flags.StringVar(&a.envFile, "env-file", "", "env file to load (default: .env)")
	flags.StringVar(&a.dataDir, "data-dir", "", "data directory")
	flags.StringVar(&a.dbName, "db", "", "database file name")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&a.asJSON, "json", false, "print JSON output")

	root.AddCommand(
		newServerCommand(a),
		newHubCommand(a),
		newReplicaCommand(a),
		newNoteCommand(a),
		newRepairCommand(a),
		newStatusCommand(a),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	root := NewRootCommand(version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	logging.Init(a.logOut, logging.LevelInfo)
	cfg, err := config.Load(config.Options{ConfigFile: a.cfgFile, EnvFile: a.envFile})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.dbName != "" {
		cfg.DBName = a.dbName
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	logging.Get().SetLevel(cfg.Level())
	logging.Debug("Configuration loaded",
		map[string]interface{}{"env": cfg.Env, "data_dir": cfg.DataDir, "db": cfg.DBName})
	return nil
}

// replicaOptions maps the configuration onto replica options. withSync
// attaches the sync server dialer.
func (a *app) replicaOptions(withSync bool) replica.Options {
	s := a.cfg.Sync
	opts := replica.Options{
		DataDir: a.cfg.DataDir,
		DBName:  a.cfg.DBName,
		Driver: syncpkg.Options{
			PushAttempts:     s.PushAttempts,
			LockedBackoff:    s.LockedBackoff,
			ReconnectTimeout: s.ReconnectTimeout,
		},
		Scheduler: &scheduler.SchedulerConfig{
			SyncInterval:  s.Interval,
			QueueInterval: s.QueueInterval,
		},
		NotifyDebounce: s.NotifyDebounce,
		LeaderRetry:    s.LeaderRetry,
	}
	if withSync && a.cfg.ServerURL != "" {
		opts.Dialer = transport.NewWebSocketDialer(a.cfg.ServerURL, transport.Options{
			RequestTimeout: s.RequestTimeout,
			MaxRetries:     s.MaxRetries,
		})
	}
	return opts
}

// openReplica opens the configured database. When a hub is configured the
// replica joins it so running replicas see this command's writes at once.
// The returned func closes the replica and its hub connection.
func (a *app) openReplica(ctx context.Context, withSync bool) (*replica.Replica, func(), error) {
	opts := a.replicaOptions(withSync)
	var ch *broadcast.HubClient
	if a.cfg.HubURL != "" {
		scope, err := filepath.Abs(filepath.Join(a.cfg.DataDir, a.cfg.DBName))
		if err != nil {
			return nil, nil, err
		}
		ch, err = broadcast.DialHub(ctx, a.cfg.HubURL, scope)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach hub: %w", err)
		}
		opts.Channel = ch
	}

	r, err := replica.Open(ctx, opts)
	if err != nil {
		if ch != nil {
			ch.Close()
		}
		return nil, nil, err
	}
	closeFn := func() {
		if err := r.Close(); err != nil {
			logging.Error("Failed to close replica", err)
		}
		if ch != nil {
			ch.Close()
		}
	}
	return r, closeFn, nil
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
