package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"kcopilot/backend/features/job"
)

var (
	jobsSource    string
	jobsRetryable bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List documents that failed to ingest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if jobsSource != "" {
			q.Set("source", jobsSource)
		}
		if jobsRetryable {
			q.Set("retryable", "true")
		}
		path := "/jobs/failed"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var jobs []job.Job
		raw, err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &jobs)
		if err != nil {
			return fmt.Errorf("list jobs failed: %w", err)
		}
		if asJSON {
			cmd.Print(string(raw))
			return nil
		}
		if len(jobs) == 0 {
			cmd.Println("No failed jobs.")
			return nil
		}
		for _, j := range jobs {
			kind := "fatal"
			if j.Retryable {
				kind = "retryable"
			}
			cmd.Printf("%s  %-9s  retries=%d  %s\n    %s\n", j.ID, kind, j.Retries, j.URI, j.Error)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue a failed document for ingestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := newClient().do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/retry", nil, nil); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		cmd.Printf("Job %s requeued.\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsSource, "source", "", "only jobs from this source (github, gdrive, upload)")
	jobsCmd.Flags().BoolVar(&jobsRetryable, "retryable", false, "only retryable failures")
	jobsCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(jobsCmd)
}
