package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"kcopilot/backend/features/sync"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/worker"
)

var (
	syncRepository string
	syncFolder     string
)

var syncCmd = &cobra.Command{
	Use:   "sync [source]",
	Short: "Queue a sync run",
	Long: `Queues a sync of the configured sources (github, gdrive).
If a source is given, only that source is synchronised; --repository and
--folder narrow it further.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncRepository, "repository", "", "owner/name of a single GitHub repository")
	syncCmd.Flags().StringVar(&syncFolder, "folder", "", "Google Drive folder id")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	req := sync.Request{Repository: syncRepository, FolderID: syncFolder}
	if len(args) > 0 {
		tag, err := corpus.ParseSourceTag(args[0])
		if err != nil {
			return err
		}
		req.Source = tag
	}

	var queued worker.SyncRequestPayload
	raw, err := newClient().do(cmd.Context(), http.MethodPost, "/sync", req, &queued)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if asJSON {
		cmd.Print(string(raw))
		return nil
	}

	scope := "all sources"
	if queued.Source != "" {
		scope = string(queued.Source)
	}
	cmd.Printf("Sync of %s queued (correlation id %s).\n", scope, queued.CorrelationID)
	return nil
}
