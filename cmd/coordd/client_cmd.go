package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/coordd/client"
	"pkt.systems/coordd/internal/eventlog"
	"pkt.systems/coordd/internal/svcfields"
)

type clientOptions struct {
	server         string
	network        string
	repeats        int
	accessDuration time.Duration
	resultLog      string
	id             uint32
	lenientGrant   bool
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	opts := clientOptions{
		server:         "localhost:8080",
		network:        "tcp",
		repeats:        1,
		accessDuration: time.Second,
		resultLog:      "result.log",
		id:             uint32(os.Getpid()),
	}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Acquire the critical region repeatedly, appending to a result file while holding it",
		Args:  cobra.NoArgs,
		Example: `
  # Five cycles of two seconds each against a local coordinator
  coordd client --server localhost:8080 --repeats 5 --access-duration 2s
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(cmd.Flag("log-level").Value.String()); ok {
				logger = logger.LogLevel(level)
			}
			return runClient(cmd, opts, svcfields.WithSubsystem(logger, "cli", "client"))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", opts.server, "coordinator address")
	flags.StringVar(&opts.network, "network", opts.network, "network to dial (tcp, unix)")
	flags.IntVarP(&opts.repeats, "repeats", "r", opts.repeats, "number of acquire/release cycles")
	flags.DurationVarP(&opts.accessDuration, "access-duration", "d", opts.accessDuration, "how long to hold the region each cycle")
	flags.StringVarP(&opts.resultLog, "log", "l", opts.resultLog, "result file appended to while holding the region")
	flags.Uint32Var(&opts.id, "id", opts.id, "process id sent to the coordinator (defaults to the pid)")
	flags.BoolVar(&opts.lenientGrant, "lenient-grant", false, "accept a reply when either the operation or the id matches")
	return cmd
}

func runClient(cmd *cobra.Command, opts clientOptions, logger pslog.Logger) error {
	if opts.repeats < 1 {
		return fmt.Errorf("--repeats must be at least 1")
	}
	if opts.accessDuration < 0 {
		return fmt.Errorf("--access-duration must not be negative")
	}
	clientOpts := []client.Option{client.WithLogger(logger), client.WithNetwork(opts.network)}
	if opts.lenientGrant {
		clientOpts = append(clientOpts, client.WithLenientGrantCheck())
	}
	cli, err := client.New(opts.server, clientOpts...)
	if err != nil {
		return err
	}
	result, err := os.OpenFile(opts.resultLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open result log: %w", err)
	}
	defer result.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	for i := 1; i <= opts.repeats; i++ {
		hold, err := cli.Acquire(ctx, opts.id)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		fmt.Fprintf(out, "Process %d entered the critical region (%d/%d)\n", opts.id, i, opts.repeats)
		_, werr := fmt.Fprintf(result, "%s - %d\n", hold.GrantedAt().Format(eventlog.TimeLayout), opts.id)
		serr := sleepContext(ctx, opts.accessDuration)
		rerr := hold.Release()
		if err := errors.Join(werr, serr, rerr); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		fmt.Fprintf(out, "Process %d left the critical region\n", opts.id)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
