package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ylhao666/AI-WinDBG/internal/model"
)

// newExecCmd creates the "exec" subcommand.
func newExecCmd(a *app) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Execute a WinDBG command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.ParseOutputMode(mode)
			if err != nil {
				return err
			}
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			res, err := d.SubmitCommand(cmd.Context(), strings.Join(args, " "), m)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(model.ModeSmart), "output mode: smart, raw or both")
	return cmd
}

// newNaturalCmd creates the "ask" subcommand.
func newNaturalCmd(a *app) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "ask <request>",
		Short: "Describe what you want to see; the backend picks the command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.ParseOutputMode(mode)
			if err != nil {
				return err
			}
			d, release, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer release()

			res, err := d.SubmitNatural(cmd.Context(), strings.Join(args, " "), m)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(model.ModeSmart), "output mode: smart, raw or both")
	return cmd
}

func printResult(w io.Writer, res *model.CommandResult) error {
	fmt.Fprintf(w, "> %s\n%s\n", res.Command, strings.TrimRight(res.Output, "\n"))
	if !res.Success {
		if res.Error != "" {
			return fmt.Errorf("command %q failed: %s", res.Command, res.Error)
		}
		return fmt.Errorf("command %q failed", res.Command)
	}
	return nil
}
