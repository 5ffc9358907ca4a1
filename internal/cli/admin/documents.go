package admin

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cloo-solutions/lectern/internal/cli"
	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/jobs"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/spf13/cobra"
)

// IngestCmd uploads a PDF and optionally processes it in this process.
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ingest <course-id> <file.pdf>",
		Short:   "Upload a course document",
		Long:    "Upload a PDF for a course. With --wait the document is ingested before the command returns.",
		Example: "lecternd ingest thermo-101 week1.pdf --wait",
		Args:    cobra.ExactArgs(2),
		RunE:    runIngest,
	}
	cmd.Flags().Bool("wait", false, "Process ingestion jobs until the document is completed or failed")
	cmd.Flags().Duration("timeout", 15*time.Minute, "Maximum time to wait with --wait")
	cli.AddOutputFlag(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	format, err := cli.OutputFormat(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	courseID, path := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	c, err := loadComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	doc, err := c.documents.Upload(ctx, service.UploadInput{
		CourseID:    courseID,
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	})
	if err != nil {
		return err
	}

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		doc, err = c.waitForIngestion(ctx, doc.ID, timeout)
		if err != nil {
			return err
		}
	}

	if format == cli.OutputJSON {
		return cli.PrintJSON(cmd.OutOrStdout(), documentView(doc))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Document %s (%s): %s\n", doc.ID, doc.Filename, doc.Status)
	if doc.Status == domain.DocumentStatusFailed {
		fmt.Fprintf(cmd.OutOrStdout(), "Failed at %s: %s\n", doc.FailedStage, doc.Error)
	}
	return nil
}

// waitForIngestion drives the ingestion worker in-process until documentID
// reaches a terminal status. Jobs of other documents claimed meanwhile are
// processed too.
func (c *components) waitForIngestion(ctx context.Context, documentID string, timeout time.Duration) (*domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	processor := jobs.NewIngestionWorker(c.jobRepo, c.pipeline, jobs.IngestionWorkerConfig{
		Concurrency: c.cfg.IngestConcurrency,
		StaleAfter:  c.cfg.StaleJobAfter,
	})
	for {
		doc, err := c.documents.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if doc.Status.IsTerminal() {
			return doc, nil
		}
		if err := processor.ProcessJobs(ctx); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for document %s: %w", documentID, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// DocumentsCmd lists and deletes documents.
func DocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Manage course documents",
	}
	cmd.AddCommand(documentsListCmd(), documentsGetCmd(), documentsDeleteCmd())
	return cmd
}

func documentsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <course-id>",
		Short: "List the documents of a course, newest first",
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

			limit, _ := cmd.Flags().GetInt("limit")
			cursor, _ := cmd.Flags().GetString("cursor")
			out, err := c.documents.ListByCourse(cmd.Context(), service.ListDocumentsInput{
				CourseID: args[0],
				Cursor:   cursor,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if format == cli.OutputJSON {
				views := make([]map[string]interface{}, len(out.Items))
				for i, d := range out.Items {
					views[i] = documentView(d)
				}
				return cli.PrintJSON(cmd.OutOrStdout(), map[string]interface{}{
					"items":    views,
					"cursor":   out.Cursor,
					"has_more": out.HasMore,
				})
			}

			rows := make([][]string, len(out.Items))
			for i, d := range out.Items {
				rows[i] = []string{d.ID, d.Filename, string(d.Status), strconv.Itoa(d.PageCount), d.CreatedAt.Format(time.RFC3339)}
			}
			if err := cli.Table(cmd.OutOrStdout(), "ID\tFILENAME\tSTATUS\tPAGES\tCREATED", rows); err != nil {
				return err
			}
			if out.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "\nNext page: --cursor %s\n", out.Cursor)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum documents to list")
	cmd.Flags().String("cursor", "", "Cursor from a previous page")
	cli.AddOutputFlag(cmd)
	return cmd
}

func documentsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <document-id>",
		Short: "Show a document and its ingestion outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			doc, err := c.documents.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cli.PrintJSON(cmd.OutOrStdout(), documentView(doc))
		},
	}
	return cmd
}

func documentsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document with its chunks and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.documents.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document %s deleted\n", args[0])
			return nil
		},
	}
}

func documentView(d *domain.Document) map[string]interface{} {
	view := map[string]interface{}{
		"id":         d.ID,
		"course_id":  d.CourseID,
		"filename":   d.Filename,
		"size_bytes": d.SizeBytes,
		"status":     d.Status,
		"page_count": d.PageCount,
		"created_at": d.CreatedAt,
		"updated_at": d.UpdatedAt,
	}
	if d.Status == domain.DocumentStatusFailed {
		view["failed_stage"] = d.FailedStage
		view["error"] = d.Error
	}
	return view
}
