package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	leaseLimit   int
	leaseMS      int64
	leaseWorker  string
	reportWorker string
	reportEvent  string
	reportOut    string
	reportRetry  bool
	reportErrMsg string
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Lease pending events (debugging aid)",
	Long: `Lease claims events the way a worker would. Leased events stay
in_flight until reported or until the lease expires, so follow up with a
report or let the lease lapse.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"limit":     leaseLimit,
			"lease_ms":  leaseMS,
			"worker_id": leaseWorker,
		}
		return doPost(internalAddr, "/internal/dispatcher/lease", body)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report an outcome for a leased event (debugging aid)",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
		attempt := map[string]any{
			"started_at":      now,
			"finished_at":     now,
			"request_headers": map[string]string{},
			"request_body":    "",
		}
		if reportErrMsg != "" {
			attempt["error_message"] = reportErrMsg
			attempt["error_kind"] = "unexpected"
		}
		body := map[string]any{
			"worker_id": reportWorker,
			"event_id":  reportEvent,
			"outcome":   reportOut,
			"retryable": reportRetry,
			"attempt":   attempt,
		}
		return doPost(internalAddr, "/internal/dispatcher/report", body)
	},
}

func init() {
	leaseCmd.Flags().IntVar(&leaseLimit, "limit", 10, "maximum events to lease")
	leaseCmd.Flags().Int64Var(&leaseMS, "lease-ms", 30000, "lease duration in milliseconds")
	leaseCmd.Flags().StringVar(&leaseWorker, "worker", "hookctl", "worker id to lease as")

	reportCmd.Flags().StringVar(&reportWorker, "worker", "hookctl", "worker id that holds the lease")
	reportCmd.Flags().StringVar(&reportEvent, "event", "", "event id to report")
	reportCmd.Flags().StringVar(&reportOut, "outcome", "delivered", "outcome: delivered, retry, or dead")
	reportCmd.Flags().BoolVar(&reportRetry, "retryable", false, "count the failure against the circuit breaker")
	reportCmd.Flags().StringVar(&reportErrMsg, "error", "", "error message to record with the attempt")
	_ = reportCmd.MarkFlagRequired("event")

	rootCmd.AddCommand(leaseCmd, reportCmd)
}
