package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/replica"
)

func newNoteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Create, list, edit and delete notes",
	}
	cmd.AddCommand(
		newNoteCreateCommand(a),
		newNoteDailyCommand(a),
		newNoteListCommand(a),
		newNoteShowCommand(a),
		newNoteEditCommand(a),
		newNoteAddCommand(a),
		newNoteDeleteCommand(a),
	)
	return cmd
}

func newNoteCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			note, err := r.CreateNote(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.printNote(cmd.OutOrStdout(), note)
		},
	}
}

func newNoteDailyCommand(a *app) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Open or create the daily note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			day := time.Now()
			if date != "" {
				parsed, err := time.Parse(replica.DailyDateLayout, date)
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", date, err)
				}
				day = parsed
			}

			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			note, err := r.DailyNote(cmd.Context(), day)
			if err != nil {
				return err
			}
			return a.printNote(cmd.OutOrStdout(), note)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date as YYYY-MM-DD (default: today)")
	return cmd
}

func newNoteListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			notes, err := r.ListNotes(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), notes)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
			for _, n := range notes {
				fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.Title,
					time.UnixMilli(n.UpdatedAt).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newNoteShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <note-id>",
		Short: "Print a note and its blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			note, err := r.GetNote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			blocks, err := r.Blocks(cmd.Context(), note.ID)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), map[string]interface{}{"note": note, "blocks": blocks})
			}

			byID := make(map[string]*models.Block, len(blocks))
			for _, b := range blocks {
				byID[b.ID] = b
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", note.Title)
			printTree(out, byID, note.RootBlockID, 0)
			return nil
		},
	}
}

// printTree writes the blocks under id as an indented outline.
func printTree(w io.Writer, blocks map[string]*models.Block, id string, depth int) {
	b, ok := blocks[id]
	if !ok {
		return
	}
	if !b.IsRoot {
		fmt.Fprintf(w, "%s- %s  (%s)\n", strings.Repeat("  ", depth-1), b.Content, b.ID)
	}
	for _, child := range b.ChildBlockIDs {
		printTree(w, blocks, child, depth+1)
	}
}

func newNoteEditCommand(a *app) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "edit <note-id|block-id> [content]",
		Short: "Rename a note or replace a block's content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			if title != "" {
				return r.UpdateNoteTitle(cmd.Context(), args[0], title)
			}
			if len(args) < 2 {
				return fmt.Errorf("either --title or block content is required")
			}
			return r.UpdateBlock(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new note title")
	return cmd
}

func newNoteAddCommand(a *app) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "add <parent-block-id> <content>",
		Short: "Add a block",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			b, err := r.CreateBlock(cmd.Context(), args[0], index, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), b)
			}
			fmt.Fprintln(cmd.OutOrStdout(), b.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "position among siblings (default: append)")
	return cmd
}

func newNoteDeleteCommand(a *app) *cobra.Command {
	var block bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note, or a block with --block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.openReplica(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			if block {
				return r.DeleteBlock(cmd.Context(), args[0])
			}
			return r.DeleteNote(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&block, "block", false, "delete a block and its children")
	return cmd
}

func (a *app) printNote(w io.Writer, n *models.Note) error {
	if a.asJSON {
		return a.printJSON(w, n)
	}
	_, err := fmt.Fprintf(w, "%s\t%s\troot=%s\n", n.ID, n.Title, n.RootBlockID)
	return err
}
