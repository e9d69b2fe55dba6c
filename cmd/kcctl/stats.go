package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"kcopilot/backend/features/stats"
	"kcopilot/backend/internal/corpus"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var s stats.StatsResponse
		raw, err := newClient().do(cmd.Context(), http.MethodGet, "/stats", nil, &s)
		if err != nil {
			return fmt.Errorf("stats failed: %w", err)
		}
		if asJSON {
			cmd.Print(string(raw))
			return nil
		}
		cmd.Printf("Documents:   %d\n", s.Documents)
		cmd.Printf("Chunks:      %d\n", s.Chunks)
		cmd.Printf("Failed jobs: %d\n", s.FailedJobs)

		sources := make([]string, 0, len(s.Sources))
		for src := range s.Sources {
			sources = append(sources, string(src))
		}
		sort.Strings(sources)
		for _, src := range sources {
			cmd.Printf("  %-8s %d\n", src, s.Sources[corpus.SourceTag(src)])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
