package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newTaskCmd creates the "task" subcommand.
func newTaskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "task <task-id>",
		Short: "Poll an analysis task once and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			rec, err := d.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// newCancelCmd creates the "cancel" subcommand.
func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Ask the backend to cancel an analysis task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			ok, err := d.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s not found or already finished", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}
