package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "status" subcommand.
func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend's debugger session",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			st, err := d.Client().SessionStatus(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "backend:  %s\n", d.Client().BaseURL())
			fmt.Fprintf(w, "state:    %s\n", st.State)
			if st.DumpFile != nil {
				fmt.Fprintf(w, "dump:     %s\n", *st.DumpFile)
			}
			fmt.Fprintf(w, "mode:     %s\n", st.DisplayMode)
			fmt.Fprintf(w, "windbg:   %t\n", st.WindbgAvailable)
			return nil
		},
	}
}

// newSessionCmd creates the "session" command group.
func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the debugger session on the backend",
	}

	load := &cobra.Command{
		Use:   "load <dump-file>",
		Short: "Load a crash dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			ack, err := d.Client().LoadDump(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ack.Success {
				return fmt.Errorf("load %s: %s", args[0], ack.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return nil
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Close the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			ack, err := d.Client().CloseSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return nil
		},
	}

	clearCache := &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop cached analyses on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			ack, err := d.Client().ClearCache(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return nil
		},
	}

	cmd.AddCommand(load, closeCmd, clearCache)
	return cmd
}
