package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/processing"
)

var submitCmd = &cobra.Command{
	Use:   "submit [mode]",
	Short: "Submit a claim for evaluation",
	Long: `Submit a claim. With a webhook URL the claim is queued and the report is delivered
to the callback; without one the report is returned directly.

Examples:
  relayctl submit complete --file claim.json --webhook-url http://localhost:8081/hook
  cat claim.json | relayctl submit basic --file -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := args[0]
		file, _ := cmd.Flags().GetString("file")
		webhookURL, _ := cmd.Flags().GetString("webhook-url")
		referenceID, _ := cmd.Flags().GetString("reference-id")

		raw, err := readClaim(cmd, file)
		if err != nil {
			return err
		}
		body, async, err := buildClaim(raw, referenceID, webhookURL)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		path := "/v1/claims/" + url.PathEscape(mode)

		out := cmd.OutOrStdout()
		if async {
			var sub processing.Submission
			if err := doRequest(ctx, "POST", path, nil, body, &sub); err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			if outputJSON {
				printOutput(out, sub)
				return nil
			}
			fmt.Fprintf(out, "Queued claim %s\n", sub.ReferenceID)
			fmt.Fprintf(out, "  Task ID: %s\n", sub.TaskID)
			fmt.Fprintf(out, "  Status Key: %s\n", sub.StatusKey)
			fmt.Fprintf(out, "  Correlation ID: %s\n", sub.CorrelationID)
			return nil
		}

		var report evaluation.Report
		if err := doRequest(ctx, "POST", path, nil, body, &report); err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
		if outputJSON {
			printOutput(out, report)
			return nil
		}
		final := report.FinalEvaluation
		fmt.Fprintf(out, "Report for %s (%s)\n", report.ReferenceID, report.Mode)
		fmt.Fprintf(out, "  Entity: %s (CRD %s)\n", report.EntityName, report.CRDNumber)
		fmt.Fprintf(out, "  Compliant: %v\n", final.OverallCompliance)
		fmt.Fprintf(out, "  Risk: %s\n", final.OverallRiskLevel)
		fmt.Fprintf(out, "  Alerts: %d\n", len(final.Alerts))
		if final.Recommendations != "" {
			fmt.Fprintf(out, "  Recommendations: %s\n", final.Recommendations)
		}
		return nil
	},
}

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List processing modes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Modes []struct {
				Name string `json:"name"`
				evaluation.ModeSettings
			} `json:"modes"`
		}
		if err := doRequest(ctx, "GET", "/v1/modes", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list modes: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		for _, m := range resp.Modes {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", m.Name, m.Description)
		}
		return nil
	},
}

func readClaim(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" {
		return nil, fmt.Errorf("--file is required (use - for stdin)")
	}
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read claim: %w", err)
	}
	return raw, nil
}

// buildClaim applies the flag overrides to the claim object and reports whether it will
// be queued for callback delivery.
func buildClaim(raw []byte, referenceID, webhookURL string) ([]byte, bool, error) {
	var claim map[string]any
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, false, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if claim == nil {
		return nil, false, fmt.Errorf("claim must be a JSON object")
	}
	if referenceID != "" {
		claim["reference_id"] = referenceID
	}
	if webhookURL != "" {
		claim["webhook_url"] = webhookURL
	}
	hook, _ := claim["webhook_url"].(string)
	body, err := json.Marshal(claim)
	if err != nil {
		return nil, false, err
	}
	return body, hook != "", nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(modesCmd)

	submitCmd.Flags().StringP("file", "f", "", "claim JSON file, or - for stdin")
	submitCmd.Flags().String("webhook-url", "", "callback URL; queues the claim instead of evaluating inline")
	submitCmd.Flags().String("reference-id", "", "override the claim's reference_id")
}
