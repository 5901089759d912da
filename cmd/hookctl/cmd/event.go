package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	listLimit    int
	listBefore   string
	listStatus   string
	listEndpoint string
	listProvider string
	resetCircuit bool
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect and replay webhook events",
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listLimit))
		if listBefore != "" {
			q.Set("before", listBefore)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listEndpoint != "" {
			q.Set("endpoint_id", listEndpoint)
		}
		if listProvider != "" {
			q.Set("provider", listProvider)
		}
		return doGet("/api/inspector/events?" + q.Encode())
	},
}

var eventGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one event with its circuit state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doGet("/api/inspector/events/" + url.PathEscape(args[0]))
	},
}

var eventAttemptsCmd = &cobra.Command{
	Use:   "attempts <event-id>",
	Short: "Show the delivery attempt history for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doGet("/api/inspector/events/" + url.PathEscape(args[0]) + "/attempts")
	},
}

var eventReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Clone an event into a fresh pending event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if resetCircuit {
			body["reset_circuit"] = true
		}
		fmt.Printf("Replaying event %s...\n", args[0])
		return doPost(serverAddr, "/api/inspector/events/"+url.PathEscape(args[0])+"/replay", body)
	},
}

func init() {
	eventListCmd.Flags().IntVar(&listLimit, "limit", 50, "page size (1-200)")
	eventListCmd.Flags().StringVar(&listBefore, "before", "", "pagination cursor from a previous page")
	eventListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	eventListCmd.Flags().StringVar(&listEndpoint, "endpoint", "", "filter by endpoint id")
	eventListCmd.Flags().StringVar(&listProvider, "provider", "", "filter by provider")
	eventReplayCmd.Flags().BoolVar(&resetCircuit, "reset-circuit", false, "also reset the endpoint's circuit breaker")

	eventCmd.AddCommand(eventListCmd, eventGetCmd, eventAttemptsCmd, eventReplayCmd)
	rootCmd.AddCommand(eventCmd)
}
