package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"kcopilot/backend/features/search"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/retrieval"
)

var (
	searchTopK      int
	searchThreshold float64
	searchSources   []string
	searchPrefix    string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long: `Embeds the query and returns the most similar chunks, best first.
Flags left unset use the server's settings.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "maximum number of results")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", -1, "minimum similarity in [0,1]")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "restrict to sources (github, gdrive, upload)")
	searchCmd.Flags().StringVar(&searchPrefix, "uri-prefix", "", "restrict to URIs with this prefix")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	req := search.Request{Query: args[0], Filters: corpus.Filters{URIPrefix: searchPrefix}}
	if cmd.Flags().Changed("top-k") {
		req.TopK = &searchTopK
	}
	if cmd.Flags().Changed("threshold") {
		req.SimilarityThreshold = &searchThreshold
	}
	for _, s := range searchSources {
		tag, err := corpus.ParseSourceTag(s)
		if err != nil {
			return err
		}
		req.Filters.Sources = append(req.Filters.Sources, tag)
	}

	var results []retrieval.Result
	raw, err := newClient().do(cmd.Context(), http.MethodPost, "/search", req, &results)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if asJSON {
		cmd.Print(string(raw))
		return nil
	}

	if len(results) == 0 {
		cmd.Println("No results found.")
		return nil
	}
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.URI
		}
		cmd.Printf("  [%d] %s (%.2f)\n", i+1, title, r.Similarity)
		cmd.Printf("      %s\n", r.URI)
		cmd.Printf("      %s\n\n", snippet(r.Content, 160))
	}
	return nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
