package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/pingcheck"
)

var pingAttempts int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that source and destination are reachable",
	Long:  `Ping connects to both source and destination with a bounded retry/backoff and reports the server version of each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ok := true
		for _, side := range []struct {
			name string
			dsn  string
		}{
			{"source", cfg.Source.DSN()},
			{"dest", cfg.Dest.DSN()},
		} {
			res := pingcheck.Run(cmd.Context(), side.dsn, pingAttempts)
			if res.Reachable {
				fmt.Printf("%-6s reachable  version=%s  attempts=%d  latency=%s\n",
					side.name, res.Version, res.Attempts, res.Latency.Truncate(1e6))
			} else {
				ok = false
				fmt.Printf("%-6s unreachable  attempts=%d  error=%v\n", side.name, res.Attempts, res.Err)
			}
		}

		if !ok {
			return fmt.Errorf("one or more databases unreachable")
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVar(&pingAttempts, "attempts", 3, "Maximum connection attempts before giving up")
	rootCmd.AddCommand(pingCmd)
}
