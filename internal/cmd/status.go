package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [analysis_id]",
	Short: "Check the status of an analysis once",
	Long: `Perform a single status check without starting a poll loop.

Without an argument, the active analysis is checked. The active slot is
not modified even when a terminal state is observed; use 'histpath resume'
to finish tracking properly.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	var analysisID string
	if len(args) == 1 {
		analysisID = args[0]
	} else {
		active, err := openActiveStore(cfg)
		if err != nil {
			return err
		}
		rec, err := active.Get()
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no active analysis; pass an analysis id")
		}
		analysisID = rec.AnalysisID
	}

	client := newAPIClient(cfg)
	st, err := client.Status(ctx, analysisID)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("analysis_id=%s\n", st.AnalysisID)
	fmt.Printf("status=%s\n", st.Status)
	fmt.Printf("progress=%d%%\n", st.ProgressPercentage)
	if st.CurrentStep != "" {
		fmt.Printf("step=%s\n", st.CurrentStep)
	}
	if st.ErrorMessage != "" {
		fmt.Printf("error=%s\n", st.ErrorMessage)
	}
	return nil
}
