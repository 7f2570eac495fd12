package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the active analysis slot",
	Long: `Forget the locally persisted active analysis.

The server-side job is not cancelled; it keeps running unobserved. Use
this when the active slot points at a job you no longer care about.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(_ *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	active, err := openActiveStore(cfg)
	if err != nil {
		return err
	}

	rec, err := active.Get()
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("No active analysis.")
		return nil
	}
	if err := active.Clear(); err != nil {
		return err
	}
	fmt.Printf("Cleared active analysis %s. The server-side job is not cancelled.\n", shortID(rec.AnalysisID))
	return nil
}
