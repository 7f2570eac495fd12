package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/histpath/histpath/pkg/analysis"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the local analysis history",
	Long: `Inspect and maintain the local record of completed analyses.

This command group is designed to be agent-friendly:

- stable analysis ids, addressable by unique prefix
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analyses",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <analysis_id>",
	Short: "Show one recorded analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old history entries",
	RunE:  runJobsGC,
}

var jobsRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List analyses known to the service",
	RunE:  runJobsRemote,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsGCCmd)
	jobsCmd.AddCommand(jobsRemoteCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().IntP("limit", "n", 0, "Number of entries to show (default from config)")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "", "Delete entries older than this duration (default from config)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many entries would be deleted")
	jobsRemoteCmd.Flags().Bool("json", false, "Output as JSON")
	jobsRemoteCmd.Flags().IntP("limit", "n", 20, "Number of entries to fetch")
	jobsRemoteCmd.Flags().Int("offset", 0, "Listing offset")
	jobsRemoteCmd.Flags().String("engine", "", "Filter by engine")
	jobsRemoteCmd.Flags().String("status", "", "Filter by status")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = cfg.History.Recent
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	jobs, err := hist.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No analyses recorded")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ANALYSIS ID\tFILE\tENGINE\tSTATUS\tWORDS\tCOMPLETED")
	for _, j := range jobs {
		file := j.Filename
		if file == "" {
			file = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(j.AnalysisID),
			file,
			j.Engine,
			j.Status,
			j.WordCount,
			formatOptionalTime(j.CompletedAt),
		)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	id, err := hist.ResolveID(ctx, args[0])
	if err != nil {
		return err
	}
	job, err := hist.Get(ctx, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	fmt.Printf("analysis_id=%s\n", job.AnalysisID)
	fmt.Printf("file=%s\n", job.Filename)
	fmt.Printf("engine=%s\n", job.Engine)
	fmt.Printf("status=%s\n", job.Status)
	fmt.Printf("word_count=%d\n", job.WordCount)
	if job.ConfidenceScore > 0 {
		fmt.Printf("confidence=%.3f\n", job.ConfidenceScore)
	}
	if job.ProcessingTime > 0 {
		fmt.Printf("processing_time=%.1fs\n", job.ProcessingTime)
	}
	if job.VisualizationURL != "" {
		fmt.Printf("visualization_url=%s\n", job.VisualizationURL)
	}
	fmt.Printf("created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("completed_at=%s\n", formatOptionalTime(job.CompletedAt))
	fmt.Println()
	fmt.Println(job.ExtractedText)
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	maxAgeRaw, _ := cmd.Flags().GetString("max-age")

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	maxAge := cfg.History.MaxAge
	if maxAgeRaw != "" {
		maxAge, err = time.ParseDuration(maxAgeRaw)
		if err != nil {
			return fmt.Errorf("invalid --max-age: %w", err)
		}
	}
	if maxAge <= 0 {
		return fmt.Errorf("no retention configured; pass --max-age or set history.max_age")
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	if dryRun {
		// Count without deleting by listing everything older than the cutoff.
		jobs, err := hist.Recent(ctx, 1<<20)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-maxAge)
		count := 0
		for _, j := range jobs {
			ref := j.CreatedAt
			if j.CompletedAt != nil {
				ref = *j.CompletedAt
			}
			if ref.Before(cutoff) {
				count++
			}
		}
		fmt.Printf("Would delete %d entries older than %s\n", count, maxAge)
		return nil
	}

	deleted, err := hist.Prune(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d entries older than %s\n", deleted, maxAge)
	return nil
}

func runJobsRemote(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	engineFilter, _ := cmd.Flags().GetString("engine")
	statusFilter, _ := cmd.Flags().GetString("status")

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	opts := analysis.ListOptions{Limit: limit, Offset: offset}
	if engineFilter != "" {
		opts.Engine, err = analysis.ParseEngine(engineFilter)
		if err != nil {
			return err
		}
	}
	if statusFilter != "" {
		opts.Status = analysis.ParseStatus(statusFilter)
	}

	client := newAPIClient(cfg)
	results, err := client.List(ctx, opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No analyses found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ANALYSIS ID\tFILE\tENGINE\tSTATUS\tWORDS")
	for _, r := range results {
		file := r.Filename
		if file == "" {
			file = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			shortID(r.AnalysisID), file, r.Engine, r.Status, r.WordCount)
	}
	return nil
}
