package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newRepairCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Merge duplicate notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			merged, err := r.Repair(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), map[string]int{"merged": merged})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d duplicate notes\n", merged)
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	var conflicts int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			logs, err := r.ConflictLogs(cmd.Context(), conflicts)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), map[string]interface{}{"status": st, "conflicts": logs})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client id:          %s\n", st.ClientID)
			fmt.Fprintf(out, "received revision:  %d\n", st.LastReceivedRemoteRevision)
			fmt.Fprintf(out, "applied revision:   %d\n", st.LastAppliedRemoteRevision)
			fmt.Fprintf(out, "pending changes:    %d\n", st.Pending)

			names := make([]string, 0, len(st.Counters))
			for name := range st.Counters {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%-20s%d\n", name+":", st.Counters[name])
			}
			for _, l := range logs {
				fmt.Fprintf(out, "conflict %s/%s %s at revision %d\n", l.TableName, l.EntityKey, l.Resolution, l.ServerRev)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&conflicts, "conflicts", 10, "recent conflicts to show")
	return cmd
}
