package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ylhao666/AI-WinDBG/internal/history"
)

// newHistoryCmd creates the "history" subcommand.
func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		remote bool
		wipe   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show executed commands",
		Long:  "history lists commands recorded locally by exec and ask, newest first.\nWith --remote it shows the backend's session history instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()

			if remote {
				d, release, err := a.dispatcher()
				if err != nil {
					return err
				}
				defer release()
				cmds, err := d.Client().History(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range cmds {
					fmt.Fprintln(w, c)
				}
				return nil
			}

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("local history is disabled")
			}
			defer store.Close()

			if wipe {
				if err := store.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(w, "history cleared")
				return nil
			}

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tMODE\tOK\tCOMMAND")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.Mode, e.Success, display(e))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&remote, "remote", false, "show the backend's session history")
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete the local history")
	return cmd
}

func display(e history.Entry) string {
	if e.Kind == history.KindNatural && e.Input != e.Command {
		return fmt.Sprintf("%s (%q)", e.Command, e.Input)
	}
	return e.Command
}
