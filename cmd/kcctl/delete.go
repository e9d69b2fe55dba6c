package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		if _, err := newClient().do(cmd.Context(), http.MethodDelete, "/documents/"+args[0], nil, nil); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		cmd.Printf("Document %d deleted.\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
