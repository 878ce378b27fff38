// cmd/lact/learn.go
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lumix-ai/lact/internal/evaluation"
	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/lumix-ai/lact/internal/monitoring"
	"github.com/lumix-ai/lact/internal/pipeline"
	"github.com/lumix-ai/lact/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	learnCompare     bool
	learnMetricsAddr string
	learnNoStore     bool
	learnNoProgress  bool
)

var learnCmd = &cobra.Command{
	Use:   "learn <tokens.json>",
	Short: "Adapt the model to one tokenized document",
	Long: `Reads a tokenized document, validates it against the configured
constraints and runs chunk-wise test-time training over it.

Input is JSON with either "pages" (one token-id array per page) or a flat
"token_ids" array.`,
	Args: cobra.ExactArgs(1),
	RunE: runLearn,
}

func init() {
	learnCmd.Flags().BoolVar(&learnCompare, "compare", false, "Compare base and learned loss after learning")
	learnCmd.Flags().StringVar(&learnMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while learning")
	learnCmd.Flags().BoolVar(&learnNoStore, "no-store", false, "Do not record the run in the ledger")
	learnCmd.Flags().BoolVar(&learnNoProgress, "no-progress", false, "Hide the progress bar")
}

func runLearn(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	input, err := readTokenizedDocument(args[0])
	if err != nil {
		return err
	}

	m, err := model.NewTTTModel(config.Model)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector, err := monitoring.NewCollector(registry)
	if err != nil {
		return err
	}
	opts := []pipeline.Option{pipeline.WithObserver(collector)}

	metricsConfig := config.Metrics
	if learnMetricsAddr != "" {
		metricsConfig.Addr = learnMetricsAddr
	}
	if metricsConfig.Addr != "" {
		server := monitoring.NewServer(metricsConfig, registry)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Shutdown()
	}

	if config.Store.Enabled && !learnNoStore {
		runs, err := store.Open(config.Store.Config)
		if err != nil {
			return err
		}
		defer runs.Close()
		opts = append(opts, pipeline.WithRecorder(runs))
	}

	if learnCompare {
		opts = append(opts, pipeline.WithBaseModel(m.Clone()))
	}

	p, err := pipeline.New(m, config.Pipeline, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	var bar *progressbar.ProgressBar
	progress := func(chunkIndex, totalChunks int, loss float64) error {
		if learnNoProgress {
			return nil
		}
		if bar == nil {
			bar = progressbar.NewOptions(totalChunks,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("learning"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Describe(fmt.Sprintf("learning (loss %.4f)", loss))
		return bar.Add(1)
	}

	result, err := p.Learn(ctx, pipeline.Request{
		Filename:      input.Filename,
		FileSizeBytes: input.FileSizeBytes,
		Pages:         input.Pages,
	}, progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		if result.Document != nil {
			_, message := result.Document.State()
			log.Error().Str("document_id", result.Document.ID).Msg(message)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "document %s (%s): %d chunks, %d tokens\n",
		result.Document.ID, result.Document.Filename, len(result.Document.Chunks), result.Document.TotalTokens)
	if result.RunID != "" {
		fmt.Fprintf(out, "run %s\n", result.RunID)
	}
	renderMetrics(out, result.Metrics)
	if result.Comparison != nil {
		renderComparison(out, *result.Comparison)
	}
	return nil
}

func renderMetrics(w io.Writer, m learning.LearningMetrics) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Chunk", "Loss"})
	for i, loss := range m.LossHistory {
		table.Append([]string{strconv.Itoa(i), formatFloat(loss)})
	}
	table.SetFooter([]string{"Δ", formatFloat(m.FinalLoss - m.InitialLoss)})
	table.Render()

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Metric", "Value"})
	summary.AppendBulk([][]string{
		{"initial_loss", formatFloat(m.InitialLoss)},
		{"final_loss", formatFloat(m.FinalLoss)},
		{"chunks_processed", strconv.Itoa(m.ChunksProcessed)},
		{"tokens_processed", strconv.Itoa(m.TokensProcessed)},
		{"learning_time_seconds", formatFloat(m.LearningTimeSeconds)},
		{"weight_delta_norm", formatFloat(m.WeightDeltaNorm)},
		{"cancelled", strconv.FormatBool(m.Cancelled)},
	})
	summary.Render()
}

func renderComparison(w io.Writer, c evaluation.ComparisonResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Model", "Loss", "Perplexity"})
	table.Append([]string{"base", formatFloat(c.BaseLoss), formatFloat(c.BasePerplexity)})
	table.Append([]string{"learned", formatFloat(c.LearnedLoss), formatFloat(c.LearnedPerplexity)})
	table.SetFooter([]string{"improvement", fmt.Sprintf("%.2f%%", 100*c.Improvement), ""})
	table.Render()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
