package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/livefeed/internal/connection"
)

func backoffCmd() *cobra.Command {
	var (
		attempts int
		noJitter bool
	)

	cmd := &cobra.Command{
		Use:   "backoff",
		Short: "Print the reconnect delay schedule for the loaded config",
		Long: `Print the nominal and jittered delay of each reconnect attempt.

Examples:
  # Schedule for the configured max_attempts
  livefeed backoff

  # First 5 attempts without jitter
  livefeed backoff --attempts 5 --no-jitter`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn := cfg.ConnectionConfig()
			b := connection.Backoff{
				Base:        conn.BaseDelay,
				Max:         conn.MaxDelay,
				JitterRatio: conn.JitterRatio,
			}
			if noJitter {
				b.JitterRatio = 0
			}

			n := conn.MaxAttempts
			if attempts > 0 {
				n = attempts
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT\tNOMINAL\tDELAY")
			for i, nominal := range b.Schedule(n) {
				fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, nominal, b.Delay(i+1).Round(time.Millisecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&attempts, "attempts", 0, "number of attempts to print (default: connection.max_attempts)")
	cmd.Flags().BoolVar(&noJitter, "no-jitter", false, "print delays without jitter")

	return cmd
}
