package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/admin"
	"github.com/austindbirch/claimrelay/internal/deadletter"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Work the dead letter queue",
	Long:  `List, purge and replay deliveries that exhausted their retries.`,
}

type deadLetterList struct {
	DeadLetters []deadletter.Record `json:"dead_letters"`
	Count       int                 `json:"count"`
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Long: `List dead-lettered deliveries, newest first.

Example:
  relayctl dlq list --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if ref, _ := cmd.Flags().GetString("reference-id"); ref != "" {
			q.Set("reference_id", ref)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return fmt.Errorf("invalid limit: %d", limit)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		ctx, cancel := requestContext()
		defer cancel()

		var resp deadLetterList
		if err := doRequest(ctx, "GET", "/v1/dead-letters", q, nil, &resp); err != nil {
			return fmt.Errorf("failed to list DLQ: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Dead Letter Queue entries:")
		if resp.Count == 0 {
			fmt.Fprintln(out, "  No entries found")
			return nil
		}
		for i, rec := range resp.DeadLetters {
			fmt.Fprintf(out, "\n  Entry %d:\n", i+1)
			fmt.Fprintf(out, "    Task Key: %s\n", rec.TaskKey)
			fmt.Fprintf(out, "    Reference ID: %s\n", rec.ReferenceID)
			fmt.Fprintf(out, "    Callback: %s\n", rec.CallbackURL)
			fmt.Fprintf(out, "    Attempts: %d\n", rec.AttemptCount)
			if rec.LastResponseCode != nil {
				fmt.Fprintf(out, "    Last HTTP Status: %d\n", *rec.LastResponseCode)
			}
			fmt.Fprintf(out, "    Reason: %s\n", rec.FailureReason)
			fmt.Fprintf(out, "    Dead Lettered: %s\n", formatTime(rec.FailedAt))
			if rec.ReplayedAt != nil {
				fmt.Fprintf(out, "    Replayed: %s as %s\n", formatTime(*rec.ReplayedAt), rec.ReplayTaskID)
			}
		}
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters",
	Long: `Delete dead letters. Without --older-than or --before every entry is removed,
so --all is required in that case.

Examples:
  relayctl dlq purge --older-than 168h
  relayctl dlq purge --before 2025-01-01T00:00:00Z
  relayctl dlq purge --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		beforeStr, _ := cmd.Flags().GetString("before")
		all, _ := cmd.Flags().GetBool("all")

		before, err := parseTimestamp(beforeStr)
		if err != nil {
			return fmt.Errorf("invalid 'before' timestamp: %w", err)
		}
		if before != nil {
			if olderThan > 0 {
				return fmt.Errorf("--before and --older-than are mutually exclusive")
			}
			olderThan = time.Since(*before)
			if olderThan <= 0 {
				return fmt.Errorf("--before must be in the past")
			}
		}
		if olderThan == 0 && !all {
			return fmt.Errorf("refusing to purge every dead letter without --all")
		}

		q := url.Values{}
		if olderThan > 0 {
			q.Set("older_than", olderThan.Round(time.Second).String())
		}
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Purged int64 `json:"purged"`
		}
		if err := doRequest(ctx, "DELETE", "/v1/dead-letters", q, nil, &resp); err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letter(s)\n", resp.Purged)
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [task-key]",
	Short: "Replay a dead letter",
	Long: `Replay a dead-lettered delivery as a new delivery with a fresh task id and
idempotency key. Each dead letter can be replayed once.

Example:
  relayctl dlq replay REF-1_6f1c... --reason "receiver was down"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		ctx, cancel := requestContext()
		defer cancel()

		var rep admin.Replay
		path := "/v1/dead-letters/" + url.PathEscape(args[0]) + "/replay"
		if err := doRequest(ctx, "POST", path, nil, map[string]string{"reason": reason}, &rep); err != nil {
			return fmt.Errorf("failed to replay: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), rep)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Replayed %s\n", rep.ReplayOf)
		fmt.Fprintf(out, "  Task ID: %s\n", rep.TaskID)
		fmt.Fprintf(out, "  Status Key: %s\n", rep.StatusKey)
		fmt.Fprintf(out, "  Correlation ID: %s\n", rep.CorrelationID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().String("reference-id", "", "filter by reference ID")
	dlqListCmd.Flags().Int("limit", 50, "maximum number of results")

	dlqPurgeCmd.Flags().Duration("older-than", 0, "only entries dead-lettered longer ago than this")
	dlqPurgeCmd.Flags().String("before", "", "only entries dead-lettered before this time (RFC3339 format)")
	dlqPurgeCmd.Flags().Bool("all", false, "purge every entry")

	dlqReplayCmd.Flags().String("reason", "", "reason for replaying the delivery")
}
