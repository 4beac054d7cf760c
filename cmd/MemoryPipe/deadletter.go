package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MemoryPipe/internal/config"
	"github.com/BTreeMap/MemoryPipe/internal/deadletter"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect the dead-letter file",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &cfg)
			cfg.Resolve()

			records, err := deadletter.ReadAll(cfg.DeadLetter.Path)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead-letter file at %s\n", cfg.DeadLetter.Path)
				return nil
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tREASON\tCHANNEL\tMESSAGE ID")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Timestamp, rec.Reason, rec.Channel, rec.MessageID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d record(s) in %s\n", len(records), cfg.DeadLetter.Path)
			return nil
		},
	}
	cmd.AddCommand(list)
	return cmd
}
