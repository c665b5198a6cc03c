package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"embedbase/internal/models"
	"embedbase/internal/services"

	"github.com/spf13/cobra"
)

type searchFlags struct {
	datasets      []string
	topK          int
	threshold     float32
	where         string
	includePublic bool
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var f searchFlags

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search datasets by similarity",
		Long: `Embeds the query and returns the closest stored chunks, best first.
Without --owner only public datasets are searched.`,
		Args: cobra.ExactArgs(1),
		RunE: opts.run(func(cmd *cobra.Command, args []string) error {
			filter, err := models.ParseWhere(json.RawMessage(f.where))
			if err != nil {
				return err
			}

			req := services.SearchRequest{
				Query:         args[0],
				DatasetIDs:    f.datasets,
				OwnerID:       opts.owner,
				IncludePublic: f.includePublic,
				Filter:        filter,
				TopK:          f.topK,
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &f.threshold
			}

			backend, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := backend.Search(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if opts.json {
				return printJSON(cmd, resp)
			}
			return printResults(cmd, resp.Similarities)
		}),
	}
	cmd.Flags().StringSliceVarP(&f.datasets, "dataset", "d", nil, "dataset to search (repeatable)")
	cmd.Flags().IntVarP(&f.topK, "top-k", "n", services.DefaultTopK, "maximum number of results")
	cmd.Flags().Float32Var(&f.threshold, "threshold", services.DefaultThreshold, "minimum similarity score")
	cmd.Flags().StringVar(&f.where, "where", "", `metadata filter, e.g. '{"file_name":"notes.txt"}'`)
	cmd.Flags().BoolVar(&f.includePublic, "public", false, "include other owners' public datasets")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func printResults(cmd *cobra.Command, results []*models.SearchResult) error {
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Results:")
	fmt.Fprintln(cmd.OutOrStdout())
	for i, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s/%s (%.3f)\n", i+1, r.DatasetID, r.ID, r.Score)
		fmt.Fprintf(cmd.OutOrStdout(), "      %s\n", snippet(r.Data, 160))
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
