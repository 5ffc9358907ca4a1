package admin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloo-solutions/lectern/internal/cli"
	"github.com/spf13/cobra"
)

// ChunksCmd inspects, searches and deletes stored chunks.
func ChunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Inspect the chunks of a document",
	}
	cmd.AddCommand(chunksListCmd(), chunksDeleteCmd(), chunksSearchCmd())
	return cmd
}

func chunksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <document-id>",
		Short: "Print the chunks of a document in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			c, err := loadComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			chunks, err := c.documents.GetChunks(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if format == cli.OutputJSON {
				views := make([]map[string]interface{}, len(chunks))
				for i, ch := range chunks {
					views[i] = map[string]interface{}{
						"id":          ch.ID,
						"chunk_index": ch.ChunkIndex,
						"page_number": ch.PageNumber,
						"text":        ch.Text,
					}
				}
				return cli.PrintJSON(cmd.OutOrStdout(), views)
			}
			for _, ch := range chunks {
				fmt.Fprintf(cmd.OutOrStdout(), "--- chunk %d (page %d)\n%s\n", ch.ChunkIndex, ch.PageNumber, ch.Text)
			}
			return nil
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func chunksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete every chunk of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.documents.DeleteChunks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d chunks\n", n)
			return nil
		},
	}
}

func chunksSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Rank chunks of the given documents against a query",
		Example: "lecternd chunks search \"carnot efficiency\" --doc 6f1c... --doc 9a2e...",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			docIDs, _ := cmd.Flags().GetStringSlice("doc")

			c, err := loadComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			hits, err := c.augmenter.Retrieve(cmd.Context(), strings.Join(args, " "), docIDs)
			if err != nil {
				return err
			}

			if format == cli.OutputJSON {
				views := make([]map[string]interface{}, len(hits))
				for i, h := range hits {
					views[i] = map[string]interface{}{
						"document_id": h.DocumentID,
						"chunk_index": h.ChunkIndex,
						"score":       h.Score,
						"text":        h.Text,
					}
				}
				return cli.PrintJSON(cmd.OutOrStdout(), views)
			}
			rows := make([][]string, len(hits))
			for i, h := range hits {
				rows[i] = []string{strconv.FormatFloat(h.Score, 'f', 4, 64), h.DocumentID, strconv.Itoa(h.ChunkIndex), firstLine(h.Text)}
			}
			return cli.Table(cmd.OutOrStdout(), "SCORE\tDOCUMENT\tCHUNK\tHEADER", rows)
		},
	}
	cmd.Flags().StringSlice("doc", nil, "Document ids to search (required)")
	_ = cmd.MarkFlagRequired("doc")
	cli.AddOutputFlag(cmd)
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
