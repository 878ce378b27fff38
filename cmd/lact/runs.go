// cmd/lact/runs.go
package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/lumix-ai/lact/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	runsDocument string
	runsLimit    int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded learning runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := openRuns()
		if err != nil {
			return err
		}
		defer runs.Close()

		list, err := runs.List(cmd.Context(), runsDocument, runsLimit)
		if err != nil {
			return err
		}
		renderRuns(cmd.OutOrStdout(), list)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its loss history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := openRuns()
		if err != nil {
			return err
		}
		defer runs.Close()

		run, err := runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s  document %s (%s)  %s\n", run.ID, run.DocumentID, run.Filename, run.Status)
		if run.Error != "" {
			fmt.Fprintf(out, "error: %s\n", run.Error)
		}
		renderMetrics(out, run.Metrics)
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsDocument, "document", "", "Only runs of this document ID")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs (0 = all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func openRuns() (*store.RunStore, error) {
	if !config.Store.Enabled {
		return nil, fmt.Errorf("run ledger is disabled in the configuration")
	}
	return store.Open(config.Store.Config)
}

func renderRuns(w io.Writer, runs []store.Run) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Document", "File", "Status", "Started", "Chunks", "Initial", "Final"})
	for _, r := range runs {
		table.Append([]string{
			r.ID,
			r.DocumentID,
			r.Filename,
			string(r.Status),
			r.StartedAt.Format(time.RFC3339),
			strconv.Itoa(r.Metrics.ChunksProcessed),
			formatFloat(r.Metrics.InitialLoss),
			formatFloat(r.Metrics.FinalLoss),
		})
	}
	table.Render()
}
