package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/coordd"
	"pkt.systems/coordd/internal/eventlog"
)

func newAuditCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "audit [event-log]",
		Short: "Replay an event log and verify that grants never overlap",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path := coordd.DefaultLogFile
			if len(args) == 1 {
				path = args[0]
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer f.Close()
			rep, err := eventlog.Audit(f)
			if err != nil {
				return fmt.Errorf("audit %s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			if !quiet {
				fmt.Fprintf(out, "Events: %s\n", humanize.Comma(int64(rep.Events)))
				fmt.Fprintf(out, "Completed cycles: %s\n", humanize.Comma(int64(rep.Cycles)))
				if rep.Events > 0 {
					fmt.Fprintf(out, "Span: %s (%s to %s)\n", rep.Span(),
						rep.First.Format(eventlog.TimeLayout), rep.Last.Format(eventlog.TimeLayout))
				}
				if rep.Held {
					fmt.Fprintf(out, "Outstanding grant: %d\n", rep.Holder)
				}
				ids := make([]uint32, 0, len(rep.Requests))
				for id := range rep.Requests {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				for _, id := range ids {
					fmt.Fprintf(out, "  Process: %d, Requests: %s\n", id, humanize.Comma(int64(rep.Requests[id])))
				}
			}
			for _, v := range rep.Violations {
				fmt.Fprintf(out, "VIOLATION %s\n", v)
			}
			if n := len(rep.Violations); n > 0 {
				return fmt.Errorf("%d violation(s) in %s", n, path)
			}
			if !quiet {
				fmt.Fprintln(out, "OK: mutual exclusion held")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only violations")
	return cmd
}
