package admin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloo-solutions/lectern/internal/cli"
	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/spf13/cobra"
)

// AskCmd answers a single question from the command line.
func AskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question about course documents",
		Long: "Answer a question in one of the answer modes: direct, rag, multi-agent or combined. " +
			"rag searches the --doc documents, multi-agent summarizes them, combined does both.",
		Example: "lecternd ask --mode rag --doc 6f1c... \"What is the Carnot efficiency?\"",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runAsk,
	}
	cmd.Flags().String("mode", string(domain.AnswerModeDirect), "Answer mode (direct, rag, multi-agent, combined)")
	cmd.Flags().StringSlice("doc", nil, "Stored document ids to use")
	cmd.Flags().StringSlice("text", nil, "Text files to summarize instead of stored documents")
	cmd.Flags().StringArray("constraint", nil, "Constraint the answer must satisfy, repeatable")
	cli.AddOutputFlag(cmd)
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	format, err := cli.OutputFormat(cmd)
	if err != nil {
		return err
	}
	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := domain.ParseAnswerMode(modeFlag)
	if err != nil {
		return err
	}
	docIDs, _ := cmd.Flags().GetStringSlice("doc")
	textFiles, _ := cmd.Flags().GetStringSlice("text")
	constraints, _ := cmd.Flags().GetStringArray("constraint")

	var documents []service.SourceDocument
	for _, path := range textFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		documents = append(documents, service.SourceDocument{ID: filepath.Base(path), Text: string(data)})
	}

	c, err := loadComponents(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.answers.Answer(cmd.Context(), service.AnswerInput{
		Conversation: domain.Conversation{{Role: domain.RoleUser, Content: strings.Join(args, " ")}},
		Mode:         mode,
		DocumentIDs:  docIDs,
		Documents:    documents,
		Constraints:  constraints,
	})
	if err != nil {
		return err
	}

	answer := result.Conversation[len(result.Conversation)-1]
	if format == cli.OutputJSON {
		return cli.PrintJSON(cmd.OutOrStdout(), map[string]interface{}{
			"answer":   answer.Content,
			"model":    answer.ModelUsed,
			"mode":     result.Mode,
			"degraded": result.Degraded,
			"notices":  result.Notices,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), answer.Content)
	for _, notice := range result.Notices {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: %s\n", notice)
	}
	return nil
}
