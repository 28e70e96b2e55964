package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	auditAction string
	auditActor  string
	auditLimit  int
	auditOffset int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		events, err := newClient().Audit(ctx, auditAction, auditActor, auditLimit, auditOffset)
		exitOnError(err)

		if outputJSON {
			printJSON(events)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tSUMMARY")
		for _, e := range events {
			ts := e.TS
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(&ts), e.Action, orDash(e.Actor), e.TargetID, orDash(e.Summary))
		}
		w.Flush()
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action (e.g. batch_create)")
	auditCmd.Flags().StringVar(&auditActor, "by", "", "Filter by actor")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Max entries")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")
	addClientFlags(auditCmd)
	rootCmd.AddCommand(auditCmd)
}
