package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/wal"
)

var journalSince time.Duration

// journalCmd prints scan journal entries
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print scan journal entries",
	Long: `Print the scan lifecycle journal: scan starts, committed batches,
completions and failures, one JSON entry per line.`,
	Example: `  warden journal --since 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Journal.Dir == "" {
			return fmt.Errorf("journal.dir is not configured")
		}
		var since time.Time
		if journalSince > 0 {
			since = time.Now().Add(-journalSince)
		}
		out := cmd.OutOrStdout()
		return wal.Replay(cfg.Journal.Dir, since, func(e *wal.Entry) error {
			return writeJSON(out, e)
		})
	},
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(journalCmd, versionCmd)
	journalCmd.Flags().DurationVar(&journalSince, "since", 0, "Only entries newer than this")
}
