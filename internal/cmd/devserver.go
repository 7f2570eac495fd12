package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/devserver"
	"github.com/histpath/histpath/internal/observability"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local stand-in for the analysis service",
	Long: `Run a local HTTP server that simulates the OCR analysis service.

Jobs progress through the same staged pipeline as the real backend but
complete in seconds. Useful for demos and for exercising the client
without OCR infrastructure. Filenames containing "fail" produce a failed
analysis.

Example:
  histpath devserver --listen :8000
  histpath --api http://localhost:8000 analyze scan.png`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

var (
	devserverListen    string
	devserverStepDelay time.Duration
	devserverText      string
)

func init() {
	rootCmd.AddCommand(devserverCmd)

	devserverCmd.Flags().StringVar(&devserverListen, "listen", ":8000", "Listen address")
	devserverCmd.Flags().DurationVar(&devserverStepDelay, "step-delay", 2*time.Second, "Simulated time per pipeline step")
	devserverCmd.Flags().StringVar(&devserverText, "sample-text", "國岡上廣開土境平安好太王", "Extracted text returned for completed jobs")
}

func runDevserver(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	srv := devserver.New(devserver.Options{
		StepDelay:  devserverStepDelay,
		SampleText: devserverText,
	})

	httpSrv := &http.Server{
		Addr:              devserverListen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("devserver listening", zap.String("addr", devserverListen))
		fmt.Printf("Simulated analysis service on %s\n", devserverListen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
