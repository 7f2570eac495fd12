package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/observability"
	"github.com/histpath/histpath/pkg/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <analysis_id>",
	Short: "Upload a completed analysis to object storage",
	Long: `Upload the extracted text and metadata of a completed analysis to an
S3-compatible bucket for long-term retention.

The analysis must exist in local history; the id may be a unique prefix.
Bucket and credentials come from the archive section of the config or the
usual AWS environment.

Example:
  histpath archive 3f2a9c
  histpath archive 3f2a9c --with-visualization`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

var archiveWithVis bool

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().BoolVar(&archiveWithVis, "with-visualization", false, "Also upload the debug overlay")
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if cfg.Archive.Bucket == "" {
		return fmt.Errorf("no archive bucket configured; set archive.bucket")
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

	uploader, err := archive.New(ctx, archive.Config{
		Bucket:          cfg.Archive.Bucket,
		Prefix:          cfg.Archive.Prefix,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		Profile:         cfg.Archive.Profile,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		ForcePathStyle:  cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		return err
	}

	keys, err := uploader.ArchiveJob(ctx, job)
	if err != nil {
		return err
	}

	if archiveWithVis && job.VisualizationURL != "" {
		client := newAPIClient(cfg)
		body, contentType, err := client.Visualization(ctx, job.AnalysisID)
		if err != nil {
			observability.CLILogger.Warn("visualization download failed, archiving text only",
				zap.String("analysis_id", job.AnalysisID),
				zap.Error(err))
		} else {
			defer func() { _ = body.Close() }()
			key, err := uploader.ArchiveVisualization(ctx, job.AnalysisID, body, contentType)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
	}

	fmt.Printf("Archived analysis %s to s3://%s:\n", shortID(job.AnalysisID), cfg.Archive.Bucket)
	for _, k := range keys {
		fmt.Printf("  %s\n", k)
	}
	return nil
}
