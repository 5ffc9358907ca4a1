package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloo-solutions/lectern/internal/cli"
	"github.com/cloo-solutions/lectern/internal/cli/admin"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "lecternd",
		Short:         "Lectern course document service",
		Long:          "Lectern ingests course PDFs into searchable chunks and answers questions about them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.MigrateCmd())
	rootCmd.AddCommand(admin.IngestCmd())
	rootCmd.AddCommand(admin.DocumentsCmd())
	rootCmd.AddCommand(admin.ChunksCmd())
	rootCmd.AddCommand(admin.AskCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
