package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/notesync/internal/broadcast"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/server"
	"github.com/kimhsiao/notesync/internal/transport"
)

const defaultServerDB = "notesync-server.db"

func newServerCommand(a *app) *cobra.Command {
	var dbName string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sync server",
		Long: `Run the reference sync server. Replicas connect to ws://<listen_addr>/sync
and the health check is served at /api/health.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, conn, err := server.Open(a.cfg.DataDir, dbName)
			if err != nil {
				return fmt.Errorf("failed to open server database: %w", err)
			}
			defer conn.Close()

			h := srv.Router(transport.Options{
				RequestTimeout: a.cfg.Sync.RequestTimeout,
				MaxRetries:     a.cfg.Sync.MaxRetries,
			})
			logging.Info("Sync server starting",
				map[string]interface{}{"addr": a.cfg.ListenAddr, "db": conn.Path})
			return server.ListenAndServe(cmd.Context(), a.cfg.ListenAddr, h)
		},
	}
	cmd.Flags().StringVar(&dbName, "server-db", defaultServerDB, "server database file name")
	return cmd
}

func newHubCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the local broadcast hub",
		Long: `Run the hub that relays change notifications between replicas sharing
one database on this machine. Only local clients are accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hub := broadcast.NewHub()
			defer hub.Close()
			logging.Info("Broadcast hub starting", map[string]interface{}{"addr": a.cfg.HubAddr})
			return server.ListenAndServe(cmd.Context(), a.cfg.HubAddr, hub.Router())
		},
	}
}

func newReplicaCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replica",
		Short: "Run a syncing replica",
		Long: `Open the local database and keep it in sync with the configured server.
When several replicas share the database only the elected leader syncs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.ServerURL == "" {
				return fmt.Errorf("server_url is not configured")
			}
			return a.runReplica(cmd.Context())
		},
	}
}

func (a *app) runReplica(ctx context.Context) error {
	r, closeFn, err := a.openReplica(ctx, true)
	if err != nil {
		return err
	}
	defer closeFn()

	logging.Info("Replica running",
		map[string]interface{}{"server": a.cfg.ServerURL, "data_dir": a.cfg.DataDir})
	return r.Run(ctx)
}
