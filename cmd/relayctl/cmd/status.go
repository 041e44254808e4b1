package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/status"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect delivery status records",
	Long:  `Look up and list the status records that track each callback delivery.`,
}

var statusGetCmd = &cobra.Command{
	Use:   "get [status-key]",
	Short: "Get one status record",
	Long: `Get the status record for a delivery. The key is {reference_id}_{task_id},
as returned by submit.

Example:
  relayctl status get REF-1_6f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var rec status.Record
		if err := doRequest(ctx, "GET", "/v1/deliveries/"+url.PathEscape(args[0]), nil, nil, &rec); err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), rec)
			return nil
		}
		printRecord(cmd, rec)
		return nil
	},
}

type deliveryList struct {
	Deliveries []status.Record `json:"deliveries"`
	Count      int             `json:"count"`
}

var statusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List status records",
	Long: `List status records, optionally filtered by reference id and status.

Example:
  relayctl status list --reference-id REF-1 --status failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := statusQuery(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var resp deliveryList
		if err := doRequest(ctx, "GET", "/v1/deliveries", q, nil, &resp); err != nil {
			return fmt.Errorf("failed to list statuses: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Status records (%d):\n", resp.Count)
		if resp.Count == 0 {
			fmt.Fprintln(out, "  No records found")
			return nil
		}
		for _, rec := range resp.Deliveries {
			fmt.Fprintln(out)
			printRecord(cmd, rec)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete status records",
	Long: `Delete status records matching the filters. Expired records are swept as well.

Examples:
  relayctl cleanup --status delivered --older-than 24h
  relayctl cleanup --reference-id REF-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := statusQuery(cmd)
		if err != nil {
			return err
		}
		if olderThan, _ := cmd.Flags().GetDuration("older-than"); olderThan > 0 {
			q.Set("older_than", olderThan.String())
		}
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Removed int `json:"removed"`
		}
		if err := doRequest(ctx, "DELETE", "/v1/deliveries", q, nil, &resp); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d status record(s)\n", resp.Removed)
		return nil
	},
}

// statusQuery builds the shared reference/status filter, rejecting unknown statuses locally
func statusQuery(cmd *cobra.Command) (url.Values, error) {
	q := url.Values{}
	if ref, _ := cmd.Flags().GetString("reference-id"); ref != "" {
		q.Set("reference_id", ref)
	}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		st, err := status.ParseStatus(s)
		if err != nil {
			return nil, err
		}
		q.Set("status", string(st))
	}
	return q, nil
}

func printRecord(cmd *cobra.Command, rec status.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  Key: %s\n", rec.Key())
	fmt.Fprintf(out, "    Status: %s\n", rec.Status)
	fmt.Fprintf(out, "    Attempts: %d\n", rec.AttemptCount)
	if rec.LastResponseCode != nil {
		fmt.Fprintf(out, "    Last HTTP Status: %d\n", *rec.LastResponseCode)
	}
	if rec.ErrorSummary != nil {
		fmt.Fprintf(out, "    Error: %s\n", *rec.ErrorSummary)
	}
	if rec.CallbackURL != "" {
		fmt.Fprintf(out, "    Callback: %s\n", rec.CallbackURL)
	}
	fmt.Fprintf(out, "    Correlation ID: %s\n", rec.CorrelationID)
	fmt.Fprintf(out, "    Created: %s\n", formatTime(rec.CreatedAt))
	fmt.Fprintf(out, "    Updated: %s\n", formatTime(rec.UpdatedAt))
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	statusCmd.AddCommand(statusGetCmd)
	statusCmd.AddCommand(statusListCmd)

	for _, c := range []*cobra.Command{statusListCmd, cleanupCmd} {
		c.Flags().String("reference-id", "", "filter by reference ID")
		c.Flags().String("status", "", "filter by status (pending, in_progress, retrying, delivered, failed)")
	}
	cleanupCmd.Flags().Duration("older-than", 0, "only records not updated within this duration")
}
